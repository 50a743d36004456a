package classroom

import (
	"context"
	"fmt"
	"strings"

	"github.com/jxucoder/ClassPod/pkg/model"
)

// AddTodo appends an item to the checklist of an owned course.
func (s *Service) AddTodo(ctx context.Context, id model.Identity, courseID int64, content string) (*model.Todo, error) {
	if _, err := s.owned(ctx, id, courseID); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: no content", model.ErrValidation)
	}

	t := &model.Todo{CourseID: courseID, Content: content}
	if err := s.store.AddTodo(ctx, t); err != nil {
		return nil, fmt.Errorf("adding todo: %w", err)
	}
	return t, nil
}

// ListTodos returns the course checklist in creation order.
func (s *Service) ListTodos(ctx context.Context, id model.Identity, courseID int64) ([]*model.Todo, error) {
	if _, err := s.member(ctx, id, courseID); err != nil {
		return nil, err
	}
	return s.todos(ctx, courseID)
}

// CompleteTodo marks an item done for the calling student. Completing an
// item twice is not an error.
func (s *Service) CompleteTodo(ctx context.Context, id model.Identity, courseID, todoID int64) error {
	if !id.IsStudent() {
		return fmt.Errorf("%w: only students can complete to-dos", model.ErrForbidden)
	}
	if _, err := s.member(ctx, id, courseID); err != nil {
		return err
	}

	t, err := s.store.GetTodo(ctx, todoID)
	if err != nil {
		return notFound(err, "todo %d", todoID)
	}
	if t.CourseID != courseID {
		return fmt.Errorf("%w: todo %d", model.ErrNotFound, todoID)
	}

	if err := s.store.CompleteTodo(ctx, todoID, id.UserID); err != nil {
		return fmt.Errorf("completing todo: %w", err)
	}
	return nil
}

func (s *Service) todos(ctx context.Context, courseID int64) ([]*model.Todo, error) {
	todos, err := s.store.ListTodos(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing todos: %w", err)
	}
	if todos == nil {
		todos = []*model.Todo{}
	}
	return todos, nil
}
