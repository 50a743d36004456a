package httpapi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jxucoder/ClassPod/internal/classroom"
	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", model.ErrValidation), http.StatusBadRequest},
		{model.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: x", model.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: x", model.ErrNotFound), http.StatusNotFound},
		{model.ErrConflict, http.StatusConflict},
		{fmt.Errorf("%w: x", model.ErrProvisioning), http.StatusBadGateway},
		{model.ErrTeardown, http.StatusBadGateway},
		{model.ErrStream, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d; want %d", tt.err, got, tt.want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t, Config{MetricsEnabled: true})

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "classpod_http_requests_total") {
		t.Fatal("metrics output is missing classpod collectors")
	}
}

func TestMetricsDisabled(t *testing.T) {
	f := newAPI(t, Config{})
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", resp.StatusCode)
	}
}

func TestUsers(t *testing.T) {
	f := newAPI(t, Config{})
	f.user(1, "Tess", "t")

	var e errorResponse
	dup := map[string]any{"user_id": 1, "first_name": "X", "password": "p", "user_type": "s"}
	if code := f.do(http.MethodPost, "/api/users/signup", "", dup, &e); code != http.StatusConflict {
		t.Fatalf("duplicate signup = %d; want 409", code)
	}
	if code := f.do(http.MethodPost, "/api/users/signup", "", "{not json", nil); code != http.StatusBadRequest {
		t.Fatalf("bad json = %d; want 400", code)
	}
	bad := map[string]any{"user_id": 2, "first_name": "X", "password": "p", "user_type": "admin"}
	if code := f.do(http.MethodPost, "/api/users/signup", "", bad, nil); code != http.StatusBadRequest {
		t.Fatalf("bad role = %d; want 400", code)
	}
	login := map[string]any{"user_id": 1, "password": "wrong", "user_type": "t"}
	if code := f.do(http.MethodPost, "/api/users/login", "", login, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d; want 401", code)
	}
}

func TestUsers_StaleTokenIgnored(t *testing.T) {
	f := newAPI(t, Config{})
	f.user(1, "Tess", "t")

	var resp loginResponse
	login := map[string]any{"user_id": 1, "password": "pw-Tess", "user_type": "t"}
	if code := f.do(http.MethodPost, "/api/users/login", "expired.or.garbage", login, &resp); code != http.StatusOK {
		t.Fatalf("login with stale token = %d; want 200", code)
	}
	if resp.Token == "" {
		t.Fatal("expected a fresh token")
	}

	signup := map[string]any{"user_id": 2, "first_name": "Otto", "password": "pw", "user_type": "t"}
	if code := f.do(http.MethodPost, "/api/users/signup", "expired.or.garbage", signup, nil); code != http.StatusCreated {
		t.Fatalf("signup with stale token = %d; want 201", code)
	}
	if code := f.do(http.MethodGet, "/health", "expired.or.garbage", nil, nil); code != http.StatusOK {
		t.Fatalf("health with stale token = %d; want 200", code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t, Config{})

	if code := f.do(http.MethodGet, "/api/courses", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d; want 401", code)
	}
	if code := f.do(http.MethodGet, "/api/courses", "garbage", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d; want 401", code)
	}
}

func TestCourseFlow(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	student := f.user(1002, "Ana", "s")

	if code := f.do(http.MethodPost, "/api/courses", student, createCourseRequest{Name: "x"}, nil); code != http.StatusForbidden {
		t.Fatalf("student create = %d; want 403", code)
	}
	c := f.course(teacher, "Cloud")

	code, res := f.join(student, c.Code)
	if code != http.StatusCreated || res.Sandbox != "cloud-1002" || res.AlreadyAssigned {
		t.Fatalf("join = %d %+v", code, res)
	}
	code, res = f.join(student, c.Code)
	if code != http.StatusOK || !res.AlreadyAssigned {
		t.Fatalf("rejoin = %d %+v; want already assigned", code, res)
	}
	if code, _ := f.join(student, "NOPE00"); code != http.StatusNotFound {
		t.Fatalf("unknown code = %d; want 404", code)
	}

	var courses []*model.Course
	if code := f.do(http.MethodGet, "/api/courses", student, nil, &courses); code != http.StatusOK || len(courses) != 1 {
		t.Fatalf("list = %d %d courses", code, len(courses))
	}

	path := fmt.Sprintf("/api/courses/%d", c.ID)
	var todo model.Todo
	if code := f.do(http.MethodPost, path+"/todos", teacher, addTodoRequest{Content: "Run ls"}, &todo); code != http.StatusCreated {
		t.Fatalf("add todo = %d", code)
	}
	if code := f.do(http.MethodPost, path+"/todos", teacher, addTodoRequest{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty todo = %d; want 400", code)
	}

	var view classroom.CourseView
	if code := f.do(http.MethodGet, path, student, nil, &view); code != http.StatusOK {
		t.Fatalf("enter = %d", code)
	}
	if view.Sandbox != "cloud-1002" || len(view.Todos) != 1 || view.TerminalPath != classroom.TerminalPath(c.ID) {
		t.Fatalf("view = %+v", view)
	}

	var todos todoListResponse
	if code := f.do(http.MethodGet, path+"/todos", student, nil, &todos); code != http.StatusOK || len(todos.Todos) != 1 {
		t.Fatalf("list todos = %d %+v", code, todos)
	}
	complete := fmt.Sprintf("%s/todos/%d/complete", path, todo.ID)
	if code := f.do(http.MethodPost, complete, student, nil, nil); code != http.StatusOK {
		t.Fatalf("complete = %d", code)
	}

	var progress participantsResponse
	if code := f.do(http.MethodGet, path+"/participants", teacher, nil, &progress); code != http.StatusOK {
		t.Fatalf("participants = %d", code)
	}
	if len(progress.Participants) != 1 || len(progress.Participants[0].Completed) != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if code := f.do(http.MethodGet, path+"/participants", student, nil, nil); code != http.StatusForbidden {
		t.Fatalf("student participants = %d; want 403", code)
	}

	if code := f.do(http.MethodPost, path+"/leave", student, nil, nil); code != http.StatusOK {
		t.Fatalf("leave = %d", code)
	}
	if f.rt.SandboxCount(c.Boundary()) != 0 {
		t.Fatal("sandbox survived leave")
	}

	f.join(student, c.Code)
	if code := f.do(http.MethodPost, fmt.Sprintf("%s/drop/%d", path, 1002), teacher, nil, nil); code != http.StatusOK {
		t.Fatalf("drop = %d", code)
	}

	var end endCourseResponse
	if code := f.do(http.MethodPost, path+"/end", teacher, nil, &end); code != http.StatusOK {
		t.Fatalf("end = %d", code)
	}
	if f.rt.HasBoundary(c.Boundary()) {
		t.Fatal("boundary survived end")
	}
	if code := f.do(http.MethodGet, path, teacher, nil, nil); code != http.StatusNotFound {
		t.Fatalf("ended course = %d; want 404", code)
	}
}

func TestBadPathID(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	if code := f.do(http.MethodGet, "/api/courses/abc", teacher, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", code)
	}
}

func TestRegister_ProvisioningFailure(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	student := f.user(1002, "Ana", "s")
	c := f.course(teacher, "Cloud")

	f.rt.Fail = func(op, _, _ string) error {
		if op == "CreateSandbox" {
			return &sandbox.Error{Op: "create sandbox", Status: http.StatusInternalServerError, Err: errors.New("quota")}
		}
		return nil
	}
	if code, _ := f.join(student, c.Code); code != http.StatusBadGateway {
		t.Fatalf("join = %d; want 502", code)
	}
}

func TestRegister_RateLimited(t *testing.T) {
	f := newAPI(t, Config{JoinRate: 2})
	student := f.user(1002, "Ana", "s")

	for i := 0; i < 2; i++ {
		if code, _ := f.join(student, "NOPE00"); code != http.StatusNotFound {
			t.Fatalf("attempt %d = %d; want 404", i, code)
		}
	}
	if code, _ := f.join(student, "NOPE00"); code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d; want 429", code)
	}

	// Limits are per caller.
	other := f.user(1003, "Bo", "s")
	if code, _ := f.join(other, "NOPE00"); code != http.StatusNotFound {
		t.Fatalf("other caller = %d; want 404", code)
	}
}

func TestEvents(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	student := f.user(1002, "Ana", "s")
	c := f.course(teacher, "Cloud")

	path := fmt.Sprintf("/api/courses/%d/events", c.ID)
	if code := f.do(http.MethodGet, path, student, nil, nil); code != http.StatusForbidden {
		t.Fatalf("student events = %d; want 403", code)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+teacher)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Subscribers(c.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("events handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.join(student, c.Code)

	lines := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				lines <- line
			}
		}
	}()

	select {
	case line := <-lines:
		if line != "event: "+string(model.EventProvisioned) {
			t.Fatalf("first line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	select {
	case line := <-lines:
		if !strings.Contains(line, `"sandbox":"cloud-1002"`) {
			t.Fatalf("data line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data line received")
	}
}

func wsURL(f *apiFixture, courseID int64, token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + fmt.Sprintf("/ws/practice/%d", courseID)
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestPractice_RejectsBeforeUpgrade(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	student := f.user(1002, "Ana", "s")
	unregistered := f.user(1003, "Bo", "s")
	c := f.course(teacher, "Cloud")
	if err := f.st.Enroll(t.Context(), 1003, c.ID); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	before := f.rt.TotalCalls()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "teacher", token: teacher, want: http.StatusForbidden},
		{name: "not enrolled", token: student, want: http.StatusForbidden},
		{name: "no registration", token: unregistered, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(f, c.ID, tt.token), nil)
			if err == nil {
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("handshake response = %v; want %d", resp, tt.want)
			}
		})
	}

	if f.rt.TotalCalls() != before {
		t.Fatalf("rejections made %d orchestration calls", f.rt.TotalCalls()-before)
	}
}

func TestPractice_Echo(t *testing.T) {
	f := newAPI(t, Config{})
	teacher := f.user(1, "Tess", "t")
	student := f.user(1002, "Ana", "s")
	c := f.course(teacher, "Cloud")
	f.join(student, c.Code)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, c.ID, student), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ls\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "$ ls\n" {
		t.Fatalf("echo = %q; want %q", data, "$ ls\n")
	}
	if n := f.rt.Calls("AttachExec"); n != 1 {
		t.Fatalf("AttachExec called %d times; want 1", n)
	}
}
