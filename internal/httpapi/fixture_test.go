package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/jxucoder/ClassPod/internal/auth"
	"github.com/jxucoder/ClassPod/internal/classroom"
	"github.com/jxucoder/ClassPod/internal/lifecycle"
	"github.com/jxucoder/ClassPod/internal/terminal"
	"github.com/jxucoder/ClassPod/pkg/eventbus"
	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
	"github.com/jxucoder/ClassPod/pkg/sandbox/sandboxtest"
	sqliteStore "github.com/jxucoder/ClassPod/pkg/store/sqlite"
)

// apiFixture is a full stack over a temp SQLite store and a fake runtime.
type apiFixture struct {
	t   *testing.T
	srv *httptest.Server
	st  *sqliteStore.Store
	rt  *sandboxtest.Runtime
	bus *eventbus.InMemoryBus
}

func newAPI(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	st, err := sqliteStore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	rt := sandboxtest.New()
	bus := eventbus.NewInMemoryBus()
	lc := lifecycle.New(lifecycle.Config{
		Sandbox:     sandbox.Spec{Image: "ubuntu:22.04", CPULimit: "500m", MemoryLimit: "512Mi"},
		CallTimeout: time.Second,
	}, st, rt, bus, log)

	authSvc, err := auth.New(auth.Config{Secret: "0123456789abcdef", BcryptCost: bcrypt.MinCost}, st, log)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	bridge := terminal.New(terminal.Config{PingInterval: time.Second, WriteTimeout: time.Second}, lc, st, log)
	api := New(cfg, authSvc, classroom.New(st, lc, log), bridge, bus, log)

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &apiFixture{t: t, srv: srv, st: st, rt: rt, bus: bus}
}

// do sends a JSON request and decodes the response into out when non-nil.
func (f *apiFixture) do(method, path, token string, body, out any) int {
	f.t.Helper()
	var rdr io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			rdr = bytes.NewBufferString(raw)
		} else {
			data, _ := json.Marshal(body)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			f.t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// user signs up and logs in, returning the token.
func (f *apiFixture) user(id int64, name, role string) string {
	f.t.Helper()
	signup := auth.SignUpRequest{UserID: id, FirstName: name, Password: "pw-" + name, Role: role}
	if code := f.do(http.MethodPost, "/api/users/signup", "", signup, nil); code != http.StatusCreated {
		f.t.Fatalf("signup %d: status %d", id, code)
	}
	var resp loginResponse
	login := auth.LoginRequest{UserID: id, Password: "pw-" + name, Role: role}
	if code := f.do(http.MethodPost, "/api/users/login", "", login, &resp); code != http.StatusOK {
		f.t.Fatalf("login %d: status %d", id, code)
	}
	return resp.Token
}

func (f *apiFixture) course(token, name string) *model.Course {
	f.t.Helper()
	var c model.Course
	if code := f.do(http.MethodPost, "/api/courses", token, createCourseRequest{Name: name}, &c); code != http.StatusCreated {
		f.t.Fatalf("create course: status %d", code)
	}
	return &c
}

func (f *apiFixture) join(token, code string) (int, classroom.RegisterResult) {
	f.t.Helper()
	var res classroom.RegisterResult
	status := f.do(http.MethodPost, "/api/courses/register", token, registerRequest{Code: code}, &res)
	return status, res
}
