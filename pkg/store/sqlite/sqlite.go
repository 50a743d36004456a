// Package sqlite implements store.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/store"
)

// Store manages ClassPod persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers so the uniqueness constraints are
	// the only arbiter between concurrent requests, and keeps the
	// per-connection pragmas below in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY,
			first_name    TEXT NOT NULL,
			role          TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS courses (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			code       TEXT NOT NULL UNIQUE,
			teacher_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (teacher_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS enrollments (
			course_id  INTEGER NOT NULL,
			student_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (course_id, student_id),
			FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE,
			FOREIGN KEY (student_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS registrations (
			student_id INTEGER NOT NULL,
			course_id  INTEGER NOT NULL,
			boundary   TEXT NOT NULL,
			sandbox    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (student_id, course_id),
			UNIQUE (boundary, sandbox),
			FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_registrations_course_id
			ON registrations(course_id);

		CREATE TABLE IF NOT EXISTS todos (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			course_id  INTEGER NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (course_id) REFERENCES courses(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_todos_course_id
			ON todos(course_id);

		CREATE TABLE IF NOT EXISTS todo_completions (
			todo_id    INTEGER NOT NULL,
			student_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (todo_id, student_id),
			FOREIGN KEY (todo_id) REFERENCES todos(id) ON DELETE CASCADE
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Registry ---

// Lookup returns the registration for a student in a course, or
// store.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, studentID, courseID int64) (*model.Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT student_id, course_id, boundary, sandbox, created_at
		 FROM registrations WHERE student_id = ? AND course_id = ?`,
		studentID, courseID,
	)
	reg := &model.Registration{}
	if err := row.Scan(&reg.StudentID, &reg.CourseID, &reg.Boundary, &reg.Sandbox, &reg.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return reg, nil
}

// Register inserts a registration. The insert itself is the uniqueness
// check; a duplicate key returns store.ErrAlreadyExists.
func (s *Store) Register(ctx context.Context, reg *model.Registration) error {
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations (student_id, course_id, boundary, sandbox, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		reg.StudentID, reg.CourseID, reg.Boundary, reg.Sandbox, reg.CreatedAt,
	)
	return alreadyExists(err)
}

// Unregister removes a registration, returning store.ErrNotFound if none existed.
func (s *Store) Unregister(ctx context.Context, studentID, courseID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE student_id = ? AND course_id = ?`,
		studentID, courseID,
	)
	return affectedOne(res, err)
}

// UnregisterAll removes every registration for a course and returns how many were removed.
func (s *Store) UnregisterAll(ctx context.Context, courseID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE course_id = ?`, courseID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRegistrations returns the registrations of a course ordered by student.
func (s *Store) ListRegistrations(ctx context.Context, courseID int64) ([]*model.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, course_id, boundary, sandbox, created_at
		 FROM registrations WHERE course_id = ? ORDER BY student_id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*model.Registration
	for rows.Next() {
		reg := &model.Registration{}
		if err := rows.Scan(&reg.StudentID, &reg.CourseID, &reg.Boundary, &reg.Sandbox, &reg.CreatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// --- Users ---

// CreateUser inserts a new user. A duplicate ID returns store.ErrAlreadyExists.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, first_name, role, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.FirstName, u.Role, u.PasswordHash, u.CreatedAt,
	)
	return alreadyExists(err)
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, role, password_hash, created_at FROM users WHERE id = ?`, id,
	)
	u := &model.User{}
	if err := row.Scan(&u.ID, &u.FirstName, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// --- Courses ---

// CreateCourse inserts a course and sets its ID. A join code collision
// returns store.ErrAlreadyExists.
func (s *Store) CreateCourse(ctx context.Context, c *model.Course) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO courses (name, code, teacher_id, created_at) VALUES (?, ?, ?, ?)`,
		c.Name, c.Code, c.TeacherID, c.CreatedAt,
	)
	if err != nil {
		return alreadyExists(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

const courseColumns = `id, name, code, teacher_id, created_at`

// GetCourse retrieves a course by ID.
func (s *Store) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	return scanCourse(s.db.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE id = ?`, id))
}

// GetCourseByCode retrieves a course by its join code.
func (s *Store) GetCourseByCode(ctx context.Context, code string) (*model.Course, error) {
	return scanCourse(s.db.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE code = ?`, code))
}

// ListCourses returns every course ordered by ID.
func (s *Store) ListCourses(ctx context.Context) ([]*model.Course, error) {
	return s.queryCourses(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY id ASC`)
}

// ListCoursesByTeacher returns the courses a teacher owns, newest first.
func (s *Store) ListCoursesByTeacher(ctx context.Context, teacherID int64) ([]*model.Course, error) {
	return s.queryCourses(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE teacher_id = ? ORDER BY created_at DESC, id DESC`,
		teacherID)
}

// ListCoursesByStudent returns the courses a student is enrolled in, newest first.
func (s *Store) ListCoursesByStudent(ctx context.Context, studentID int64) ([]*model.Course, error) {
	return s.queryCourses(ctx,
		`SELECT c.id, c.name, c.code, c.teacher_id, c.created_at
		 FROM courses c JOIN enrollments e ON e.course_id = c.id
		 WHERE e.student_id = ? ORDER BY c.created_at DESC, c.id DESC`,
		studentID)
}

// DeleteCourse removes a course together with its enrollments,
// registrations and to-dos.
func (s *Store) DeleteCourse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
	return affectedOne(res, err)
}

// Enroll adds a student to a course. Enrolling twice returns store.ErrAlreadyExists.
func (s *Store) Enroll(ctx context.Context, studentID, courseID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (course_id, student_id, created_at) VALUES (?, ?, ?)`,
		courseID, studentID, time.Now().UTC(),
	)
	return alreadyExists(err)
}

// Unenroll removes a student from a course.
func (s *Store) Unenroll(ctx context.Context, studentID, courseID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE course_id = ? AND student_id = ?`,
		courseID, studentID,
	)
	return affectedOne(res, err)
}

// IsEnrolled reports whether a student is enrolled in a course.
func (s *Store) IsEnrolled(ctx context.Context, studentID, courseID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE course_id = ? AND student_id = ?`,
		courseID, studentID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListParticipants returns the students enrolled in a course ordered by ID.
func (s *Store) ListParticipants(ctx context.Context, courseID int64) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.first_name, u.role, u.password_hash, u.created_at
		 FROM users u JOIN enrollments e ON e.student_id = u.id
		 WHERE e.course_id = ? ORDER BY u.id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u := &model.User{}
		if err := rows.Scan(&u.ID, &u.FirstName, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- To-dos ---

// AddTodo inserts a checklist item and sets its ID.
func (s *Store) AddTodo(ctx context.Context, t *model.Todo) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO todos (course_id, content, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.CourseID, t.Content, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// GetTodo retrieves a checklist item by ID.
func (s *Store) GetTodo(ctx context.Context, id int64) (*model.Todo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, content, created_at, updated_at FROM todos WHERE id = ?`, id,
	)
	t := &model.Todo{}
	if err := row.Scan(&t.ID, &t.CourseID, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// ListTodos returns a course's checklist ordered by creation time.
func (s *Store) ListTodos(ctx context.Context, courseID int64) ([]*model.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, content, created_at, updated_at
		 FROM todos WHERE course_id = ? ORDER BY created_at ASC, id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var todos []*model.Todo
	for rows.Next() {
		t := &model.Todo{}
		if err := rows.Scan(&t.ID, &t.CourseID, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// CompleteTodo marks an item done for a student. Completing twice is a no-op.
func (s *Store) CompleteTodo(ctx context.Context, todoID, studentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO todo_completions (todo_id, student_id, created_at) VALUES (?, ?, ?)`,
		todoID, studentID, time.Now().UTC(),
	)
	return err
}

// CompletedTodos returns, per student, the IDs of the course items they completed.
func (s *Store) CompletedTodos(ctx context.Context, courseID int64) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tc.student_id, tc.todo_id
		 FROM todo_completions tc JOIN todos t ON t.id = tc.todo_id
		 WHERE t.course_id = ? ORDER BY tc.student_id ASC, tc.todo_id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int64][]int64)
	for rows.Next() {
		var studentID, todoID int64
		if err := rows.Scan(&studentID, &todoID); err != nil {
			return nil, err
		}
		done[studentID] = append(done[studentID], todoID)
	}
	return done, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanCourse(row scannable) (*model.Course, error) {
	c := &model.Course{}
	if err := row.Scan(&c.ID, &c.Name, &c.Code, &c.TeacherID, &c.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) queryCourses(ctx context.Context, query string, args ...any) ([]*model.Course, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []*model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// --- Error translation ---

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func alreadyExists(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", store.ErrAlreadyExists, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: referenced row is gone: %v", store.ErrNotFound, err)
		}
	}
	return err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
