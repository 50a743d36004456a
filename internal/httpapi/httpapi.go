// Package httpapi provides the ClassPod HTTP API.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/internal/auth"
	"github.com/jxucoder/ClassPod/internal/classroom"
	"github.com/jxucoder/ClassPod/internal/metrics"
	"github.com/jxucoder/ClassPod/internal/terminal"
	"github.com/jxucoder/ClassPod/pkg/eventbus"
)

// Config holds HTTP settings.
type Config struct {
	// JoinRate is join attempts per caller per minute. 0 disables the limit.
	JoinRate int

	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
}

// Server routes HTTP requests to the classroom services.
type Server struct {
	cfg       Config
	auth      *auth.Service
	classroom *classroom.Service
	bridge    *terminal.Bridge
	bus       eventbus.Bus
	joins     *rateLimiter
	upgrader  websocket.Upgrader
	log       logrus.FieldLogger
	router    chi.Router
}

// New creates a Server.
func New(cfg Config, authSvc *auth.Service, cls *classroom.Service, bridge *terminal.Bridge, bus eventbus.Bus, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:       cfg,
		auth:      authSvc,
		classroom: cls,
		bridge:    bridge,
		bus:       bus,
		log:       log.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if cfg.JoinRate > 0 {
		s.joins = newRateLimiter(cfg.JoinRate)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Public, so a client holding an expired token can still log in.
		r.Post("/users/signup", s.handleSignUp)
		r.Post("/users/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Authenticate)
			r.Use(auth.RequireIdentity)

			r.Post("/courses", s.handleCreateCourse)
			r.Get("/courses", s.handleListCourses)
			r.With(s.limitJoins).Post("/courses/register", s.handleRegister)
			r.Get("/courses/{id}", s.handleEnterCourse)
			r.Post("/courses/{id}/end", s.handleEndCourse)
			r.Get("/courses/{id}/participants", s.handleProgress)
			r.Post("/courses/{id}/leave", s.handleLeave)
			r.Post("/courses/{id}/drop/{student}", s.handleDrop)
			r.Get("/courses/{id}/events", s.handleEvents)
			r.Post("/courses/{id}/todos", s.handleAddTodo)
			r.Get("/courses/{id}/todos", s.handleListTodos)
			r.Post("/courses/{id}/todos/{todo}/complete", s.handleCompleteTodo)
		})
	})

	// Identity is checked by the bridge so the rejection happens before
	// the upgrade with the right status.
	r.With(s.auth.Authenticate).Get("/ws/practice/{id}", s.handlePractice)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"route":      route,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Request")
	})
}
