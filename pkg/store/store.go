// Package store defines the persistence interfaces for ClassPod.
package store

import (
	"context"
	"errors"

	"github.com/jxucoder/ClassPod/pkg/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint rejects an insert.
	ErrAlreadyExists = errors.New("record already exists")
)

// Registry is the durable mapping from (student, course) to a sandbox.
// Register is atomic with respect to the uniqueness check: of two
// concurrent calls for the same key exactly one succeeds. Registering
// against a course that no longer exists returns ErrNotFound, and
// deleting a course removes its registrations.
type Registry interface {
	Lookup(ctx context.Context, studentID, courseID int64) (*model.Registration, error)
	Register(ctx context.Context, reg *model.Registration) error
	Unregister(ctx context.Context, studentID, courseID int64) error
	UnregisterAll(ctx context.Context, courseID int64) (int64, error)
	ListRegistrations(ctx context.Context, courseID int64) ([]*model.Registration, error)
}

// UserStore persists platform accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// CourseStore persists courses and their enrollments.
type CourseStore interface {
	CreateCourse(ctx context.Context, c *model.Course) error
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
	GetCourseByCode(ctx context.Context, code string) (*model.Course, error)
	ListCourses(ctx context.Context) ([]*model.Course, error)
	ListCoursesByTeacher(ctx context.Context, teacherID int64) ([]*model.Course, error)
	ListCoursesByStudent(ctx context.Context, studentID int64) ([]*model.Course, error)
	DeleteCourse(ctx context.Context, id int64) error

	Enroll(ctx context.Context, studentID, courseID int64) error
	Unenroll(ctx context.Context, studentID, courseID int64) error
	IsEnrolled(ctx context.Context, studentID, courseID int64) (bool, error)
	ListParticipants(ctx context.Context, courseID int64) ([]*model.User, error)
}

// TodoStore persists course checklists and their completion state.
type TodoStore interface {
	AddTodo(ctx context.Context, t *model.Todo) error
	GetTodo(ctx context.Context, id int64) (*model.Todo, error)
	ListTodos(ctx context.Context, courseID int64) ([]*model.Todo, error)
	CompleteTodo(ctx context.Context, todoID, studentID int64) error
	CompletedTodos(ctx context.Context, courseID int64) (map[int64][]int64, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	Registry
	UserStore
	CourseStore
	TodoStore
	Close() error
}
