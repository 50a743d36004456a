package httpapi

import (
	"net/http"

	"github.com/jxucoder/ClassPod/internal/auth"
	"github.com/jxucoder/ClassPod/pkg/model"
)

// --- Request/Response types ---

type loginResponse struct {
	Token     string     `json:"token"`
	UserID    int64      `json:"user_id"`
	FirstName string     `json:"first_name"`
	Role      model.Role `json:"user_type"`
}

type createCourseRequest struct {
	Name string `json:"name"`
}

type registerRequest struct {
	Code string `json:"code"`
}

type endCourseResponse struct {
	Message string `json:"message"`
	Removed int64  `json:"removed_sandboxes"`
}

type addTodoRequest struct {
	Content string `json:"content"`
}

type todoListResponse struct {
	Todos []*model.Todo `json:"todo_list"`
}

type participantsResponse struct {
	Participants []model.Participant `json:"participants"`
}

// --- Users ---

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.auth.SignUp(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	token, u, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: u.ID, FirstName: u.FirstName, Role: u.Role})
}

// --- Courses ---

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.classroom.CreateCourse(r.Context(), auth.FromContext(r.Context()), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.classroom.ListCourses(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.classroom.Register(r.Context(), auth.FromContext(r.Context()), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyAssigned {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleEnterCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.classroom.EnterCourse(r.Context(), auth.FromContext(r.Context()), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.classroom.EndCourse(r.Context(), auth.FromContext(r.Context()), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endCourseResponse{Message: "Course ended", Removed: n})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ps, err := s.classroom.Progress(r.Context(), auth.FromContext(r.Context()), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participantsResponse{Participants: ps})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.classroom.Leave(r.Context(), auth.FromContext(r.Context()), courseID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Left course"})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	studentID, err := pathID(r, "student")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.classroom.Drop(r.Context(), auth.FromContext(r.Context()), courseID, studentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Student dropped"})
}

// --- Todos ---

func (s *Server) handleAddTodo(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req addTodoRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.classroom.AddTodo(r.Context(), auth.FromContext(r.Context()), courseID, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	todos, err := s.classroom.ListTodos(r.Context(), auth.FromContext(r.Context()), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, todoListResponse{Todos: todos})
}

func (s *Server) handleCompleteTodo(w http.ResponseWriter, r *http.Request) {
	courseID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	todoID, err := pathID(r, "todo")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.classroom.CompleteTodo(r.Context(), auth.FromContext(r.Context()), courseID, todoID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "To-Do completed"})
}
