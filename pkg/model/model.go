// Package model defines the core data types shared across ClassPod.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the caller's role on the platform.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// ParseRole accepts both the short ("t", "s") and long role spellings.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "teacher":
		return RoleTeacher, nil
	case "s", "student":
		return RoleStudent, nil
	}
	return "", fmt.Errorf("%w: invalid user type %q, must be 's' (student) or 't' (teacher)", ErrValidation, s)
}

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// IsTeacher reports whether the caller has the teacher role.
func (i Identity) IsTeacher() bool { return i.Role == RoleTeacher }

// IsStudent reports whether the caller has the student role.
func (i Identity) IsStudent() bool { return i.Role == RoleStudent }

// User is a registered platform account.
type User struct {
	ID           int64     `json:"user_id"`
	FirstName    string    `json:"first_name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Course is a teacher-owned class that students join with a code.
type Course struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	TeacherID int64     `json:"teacher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Boundary returns the isolation boundary (namespace) for the course.
func (c *Course) Boundary() string { return BoundaryName(c.ID) }

// Registration binds a student in a course to its sandbox.
type Registration struct {
	StudentID int64     `json:"student_id"`
	CourseID  int64     `json:"course_id"`
	Boundary  string    `json:"boundary"`
	Sandbox   string    `json:"sandbox"`
	CreatedAt time.Time `json:"created_at"`
}

// Todo is a checklist item a teacher pushes to a course.
type Todo struct {
	ID        int64     `json:"id"`
	CourseID  int64     `json:"course_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant is an enrolled student as seen by the course owner.
type Participant struct {
	StudentID int64   `json:"student_id"`
	FirstName string  `json:"first_name"`
	Sandbox   string  `json:"sandbox,omitempty"`
	Completed []int64 `json:"completed_todos"`
}
