package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/jxucoder/ClassPod/pkg/model"
	sqliteStore "github.com/jxucoder/ClassPod/pkg/store/sqlite"
)

const testSecret = "0123456789abcdef0123"

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := sqliteStore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	svc, err := New(Config{Secret: testSecret, TTL: time.Hour, BcryptCost: bcrypt.MinCost}, st, log)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(Config{}, nil, logrus.New()); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestSignUp_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SignUpRequest
	}{
		{name: "missing id", req: SignUpRequest{FirstName: "Ana", Password: "pw", Role: "s"}},
		{name: "missing name", req: SignUpRequest{UserID: 1, FirstName: "  ", Password: "pw", Role: "s"}},
		{name: "missing password", req: SignUpRequest{UserID: 1, FirstName: "Ana", Role: "s"}},
		{name: "missing role", req: SignUpRequest{UserID: 1, FirstName: "Ana", Password: "pw"}},
		{name: "bad role", req: SignUpRequest{UserID: 1, FirstName: "Ana", Password: "pw", Role: "admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, tt.req)
			if !errors.Is(err, model.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSignUp_Duplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.SignUp(ctx, SignUpRequest{UserID: 1002, FirstName: "Ana", Password: "pw", Role: "student"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if u.Role != model.RoleStudent {
		t.Fatalf("role = %q; want student", u.Role)
	}
	if u.PasswordHash == "pw" {
		t.Fatal("password stored in clear text")
	}

	_, err = svc.SignUp(ctx, SignUpRequest{UserID: 1002, FirstName: "Bo", Password: "x", Role: "t"})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{UserID: 1, FirstName: "Tess", Password: "secret", Role: "t"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	token, u, err := svc.Login(ctx, LoginRequest{UserID: 1, Password: "secret", Role: "t"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.FirstName != "Tess" {
		t.Errorf("first name = %q", u.FirstName)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != 1 || !id.IsTeacher() {
		t.Fatalf("identity = %+v; want teacher 1", id)
	}

	rejects := []struct {
		name string
		req  LoginRequest
	}{
		{name: "wrong password", req: LoginRequest{UserID: 1, Password: "nope", Role: "t"}},
		{name: "role mismatch", req: LoginRequest{UserID: 1, Password: "secret", Role: "s"}},
		{name: "unknown user", req: LoginRequest{UserID: 99, Password: "secret", Role: "t"}},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Login(ctx, tt.req); !errors.Is(err, model.ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	svc := newTestService(t)

	expired := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: model.RoleStudent,
	}
	expiredToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte(testSecret))
	if _, err := svc.Verify(expiredToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired: expected ErrTokenExpired, got %v", err)
	}

	valid, _ := svc.Issue(model.Identity{UserID: 1, Role: model.RoleStudent})
	other, _ := New(Config{Secret: "another-secret-value"}, nil, logrus.New())
	if _, err := other.Verify(valid); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("wrong key: expected ErrTokenInvalid, got %v", err)
	}

	noExp := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "1"}, Role: model.RoleStudent}
	noExpToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, noExp).SignedString([]byte(testSecret))
	if _, err := svc.Verify(noExpToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("no expiry: expected ErrTokenInvalid, got %v", err)
	}

	badRole := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: "admin",
	}
	badRoleToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, badRole).SignedString([]byte(testSecret))
	if _, err := svc.Verify(badRoleToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("bad role: expected ErrTokenInvalid, got %v", err)
	}

	if _, err := svc.Verify("not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage: expected ErrTokenInvalid, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue(model.Identity{UserID: 7, Role: model.RoleStudent})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen model.Identity
	h := svc.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   int64
	}{
		{name: "bearer header", header: "Bearer " + token, wantStatus: http.StatusNoContent, wantUser: 7},
		{name: "query param", query: "?token=" + token, wantStatus: http.StatusNoContent, wantUser: 7},
		{name: "anonymous", wantStatus: http.StatusNoContent, wantUser: 0},
		{name: "bad token", header: "Bearer garbage", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = model.Identity{}
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
			if seen.UserID != tt.wantUser {
				t.Fatalf("user = %d; want %d", seen.UserID, tt.wantUser)
			}
		})
	}
}

func TestRequireIdentity(t *testing.T) {
	h := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strconv.FormatInt(FromContext(r.Context()).UserID, 10)))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d; want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), model.Identity{UserID: 3, Role: model.RoleTeacher}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "3" {
		t.Fatalf("got %d %q; want 200 \"3\"", rec.Code, rec.Body.String())
	}
}
