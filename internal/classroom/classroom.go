// Package classroom implements courses, enrollment and checklists on top
// of the sandbox lifecycle manager.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/store"
)

const (
	codeLen      = 6
	codeAttempts = 5
)

// Lifecycle is the subset of *lifecycle.Manager the classroom drives.
type Lifecycle interface {
	EnsureCourseBoundary(ctx context.Context, course *model.Course) error
	EnsureSandbox(ctx context.Context, studentID int64, course *model.Course) (*model.Registration, bool, error)
	TeardownSandbox(ctx context.Context, studentID, courseID int64) error
	TeardownCourse(ctx context.Context, course *model.Course) (int64, error)
	Lookup(ctx context.Context, studentID, courseID int64) (*model.Registration, error)
}

// Service is the classroom application layer.
type Service struct {
	store   store.Store
	lc      Lifecycle
	newCode func() string
	log     logrus.FieldLogger
}

// New creates a Service.
func New(st store.Store, lc Lifecycle, log logrus.FieldLogger) *Service {
	return &Service{
		store:   st,
		lc:      lc,
		newCode: joinCode,
		log:     log.WithField("component", "classroom"),
	}
}

func joinCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:codeLen]
}

// CreateCourse creates a course owned by the caller and its isolation
// boundary. If the boundary cannot be created the course is removed again.
func (s *Service) CreateCourse(ctx context.Context, id model.Identity, name string) (*model.Course, error) {
	if !id.IsTeacher() {
		return nil, fmt.Errorf("%w: only teachers can create courses", model.ErrForbidden)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrValidation)
	}

	var course *model.Course
	for attempt := 0; attempt < codeAttempts; attempt++ {
		c := &model.Course{Name: name, Code: s.newCode(), TeacherID: id.UserID}
		err := s.store.CreateCourse(ctx, c)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("creating course: %w", err)
		}
		course = c
		break
	}
	if course == nil {
		return nil, fmt.Errorf("%w: could not allocate a unique join code", model.ErrConflict)
	}

	log := s.log.WithFields(logrus.Fields{"course_id": course.ID, "teacher_id": id.UserID})
	if err := s.lc.EnsureCourseBoundary(ctx, course); err != nil {
		if derr := s.store.DeleteCourse(ctx, course.ID); derr != nil {
			log.WithError(derr).Error("Failed to roll back course after boundary failure")
		}
		return nil, err
	}

	log.WithField("code", course.Code).Info("Course created")
	return course, nil
}

// ListCourses returns the caller's owned courses (teachers) or enrolled
// courses (students).
func (s *Service) ListCourses(ctx context.Context, id model.Identity) ([]*model.Course, error) {
	var (
		courses []*model.Course
		err     error
	)
	switch {
	case id.IsTeacher():
		courses, err = s.store.ListCoursesByTeacher(ctx, id.UserID)
	case id.IsStudent():
		courses, err = s.store.ListCoursesByStudent(ctx, id.UserID)
	default:
		return nil, model.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("listing courses: %w", err)
	}
	if courses == nil {
		courses = []*model.Course{}
	}
	return courses, nil
}

// CourseView is what a member sees on entering a course.
type CourseView struct {
	Course       *model.Course `json:"course"`
	Todos        []*model.Todo `json:"todo_list"`
	Sandbox      string        `json:"sandbox,omitempty"`
	TerminalPath string        `json:"terminal_path,omitempty"`
}

// TerminalPath is the websocket path of a course's practice terminal.
func TerminalPath(courseID int64) string {
	return fmt.Sprintf("/ws/practice/%d", courseID)
}

// EnterCourse returns the course, its checklist and, for students, their
// sandbox.
func (s *Service) EnterCourse(ctx context.Context, id model.Identity, courseID int64) (*CourseView, error) {
	course, err := s.member(ctx, id, courseID)
	if err != nil {
		return nil, err
	}

	todos, err := s.todos(ctx, courseID)
	if err != nil {
		return nil, err
	}
	view := &CourseView{Course: course, Todos: todos}

	if id.IsStudent() {
		reg, err := s.lc.Lookup(ctx, id.UserID, courseID)
		switch {
		case err == nil:
			view.Sandbox = reg.Sandbox
			view.TerminalPath = TerminalPath(courseID)
		case !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}
	return view, nil
}

// RegisterResult reports the outcome of joining a course.
type RegisterResult struct {
	Course          *model.Course `json:"course"`
	Sandbox         string        `json:"sandbox"`
	AlreadyAssigned bool          `json:"already_assigned"`
}

// Register enrolls the caller in the course with the given join code and
// makes sure they have a sandbox. An enrollment made by this call is
// undone if provisioning fails.
func (s *Service) Register(ctx context.Context, id model.Identity, code string) (*RegisterResult, error) {
	if !id.IsStudent() {
		return nil, fmt.Errorf("%w: only students can register for courses", model.ErrForbidden)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", model.ErrValidation)
	}

	course, err := s.store.GetCourseByCode(ctx, code)
	if err != nil {
		return nil, notFound(err, "course with code %q", code)
	}

	log := s.log.WithFields(logrus.Fields{"course_id": course.ID, "student_id": id.UserID})

	enrolledNow := true
	if err := s.store.Enroll(ctx, id.UserID, course.ID); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("enrolling: %w", err)
		}
		enrolledNow = false
	}

	reg, existed, err := s.lc.EnsureSandbox(ctx, id.UserID, course)
	if err != nil {
		if enrolledNow {
			if uerr := s.store.Unenroll(ctx, id.UserID, course.ID); uerr != nil {
				log.WithError(uerr).Error("Failed to roll back enrollment")
			}
		}
		return nil, err
	}

	log.WithFields(logrus.Fields{"sandbox": reg.Sandbox, "already_assigned": existed}).Info("Student registered")
	return &RegisterResult{Course: course, Sandbox: reg.Sandbox, AlreadyAssigned: existed}, nil
}

// Leave withdraws the caller from a course. The enrollment is kept if the
// sandbox could not be removed.
func (s *Service) Leave(ctx context.Context, id model.Identity, courseID int64) error {
	if !id.IsStudent() {
		return fmt.Errorf("%w: only students can leave a course", model.ErrForbidden)
	}
	if _, err := s.member(ctx, id, courseID); err != nil {
		return err
	}
	return s.withdraw(ctx, id.UserID, courseID)
}

// Drop removes a student from a course the caller owns.
func (s *Service) Drop(ctx context.Context, id model.Identity, courseID, studentID int64) error {
	if _, err := s.owned(ctx, id, courseID); err != nil {
		return err
	}
	enrolled, err := s.store.IsEnrolled(ctx, studentID, courseID)
	if err != nil {
		return fmt.Errorf("checking enrollment: %w", err)
	}
	if !enrolled {
		return fmt.Errorf("%w: student %d is not enrolled in course %d", model.ErrNotFound, studentID, courseID)
	}
	return s.withdraw(ctx, studentID, courseID)
}

func (s *Service) withdraw(ctx context.Context, studentID, courseID int64) error {
	if err := s.lc.TeardownSandbox(ctx, studentID, courseID); err != nil {
		return err
	}
	if err := s.store.Unenroll(ctx, studentID, courseID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unenrolling: %w", err)
	}
	s.log.WithFields(logrus.Fields{"course_id": courseID, "student_id": studentID}).Info("Student withdrawn")
	return nil
}

// EndCourse tears down every sandbox of the course, then deletes it. It
// returns how many registrations were removed.
func (s *Service) EndCourse(ctx context.Context, id model.Identity, courseID int64) (int64, error) {
	course, err := s.owned(ctx, id, courseID)
	if err != nil {
		return 0, err
	}
	n, err := s.lc.TeardownCourse(ctx, course)
	if err != nil {
		return 0, err
	}
	if err := s.store.DeleteCourse(ctx, courseID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return n, fmt.Errorf("deleting course: %w", err)
	}
	s.log.WithFields(logrus.Fields{"course_id": courseID, "removed": n}).Info("Course ended")
	return n, nil
}

// Progress lists the participants of an owned course with their sandbox
// and completed to-dos.
func (s *Service) Progress(ctx context.Context, id model.Identity, courseID int64) ([]model.Participant, error) {
	if _, err := s.owned(ctx, id, courseID); err != nil {
		return nil, err
	}

	users, err := s.store.ListParticipants(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	regs, err := s.store.ListRegistrations(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	done, err := s.store.CompletedTodos(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing completions: %w", err)
	}

	sandboxes := make(map[int64]string, len(regs))
	for _, r := range regs {
		sandboxes[r.StudentID] = r.Sandbox
	}

	out := make([]model.Participant, 0, len(users))
	for _, u := range users {
		completed := done[u.ID]
		if completed == nil {
			completed = []int64{}
		}
		out = append(out, model.Participant{
			StudentID: u.ID,
			FirstName: u.FirstName,
			Sandbox:   sandboxes[u.ID],
			Completed: completed,
		})
	}
	return out, nil
}

// Owned returns the course if the caller owns it.
func (s *Service) Owned(ctx context.Context, id model.Identity, courseID int64) (*model.Course, error) {
	return s.owned(ctx, id, courseID)
}

func (s *Service) course(ctx context.Context, courseID int64) (*model.Course, error) {
	c, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, notFound(err, "course %d", courseID)
	}
	return c, nil
}

func (s *Service) owned(ctx context.Context, id model.Identity, courseID int64) (*model.Course, error) {
	if !id.IsTeacher() {
		return nil, fmt.Errorf("%w: only the course teacher can do this", model.ErrForbidden)
	}
	c, err := s.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if c.TeacherID != id.UserID {
		return nil, fmt.Errorf("%w: course %d belongs to another teacher", model.ErrForbidden, courseID)
	}
	return c, nil
}

// member allows the owner and enrolled students.
func (s *Service) member(ctx context.Context, id model.Identity, courseID int64) (*model.Course, error) {
	if id.IsTeacher() {
		return s.owned(ctx, id, courseID)
	}
	if !id.IsStudent() {
		return nil, model.ErrUnauthenticated
	}
	c, err := s.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	enrolled, err := s.store.IsEnrolled(ctx, id.UserID, courseID)
	if err != nil {
		return nil, fmt.Errorf("checking enrollment: %w", err)
	}
	if !enrolled {
		return nil, fmt.Errorf("%w: you are not registered for this course", model.ErrForbidden)
	}
	return c, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
