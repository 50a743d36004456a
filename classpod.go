// Package classpod is the top-level entry point for a ClassPod server.
//
// Use the Builder to compose the application:
//
//	app, err := classpod.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Tests and embedders can swap the store, runtime or logger:
//
//	app, err := classpod.NewBuilder().
//	    WithConfig(cfg).
//	    WithStore(myStore).
//	    WithRuntime(myRuntime).
//	    Build()
package classpod

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/internal/auth"
	"github.com/jxucoder/ClassPod/internal/classroom"
	"github.com/jxucoder/ClassPod/internal/config"
	"github.com/jxucoder/ClassPod/internal/httpapi"
	"github.com/jxucoder/ClassPod/internal/lifecycle"
	"github.com/jxucoder/ClassPod/internal/metrics"
	"github.com/jxucoder/ClassPod/internal/terminal"
	"github.com/jxucoder/ClassPod/pkg/eventbus"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
	k8sSandbox "github.com/jxucoder/ClassPod/pkg/sandbox/kubernetes"
	"github.com/jxucoder/ClassPod/pkg/store"
	sqliteStore "github.com/jxucoder/ClassPod/pkg/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Builder constructs a ClassPod App.
type Builder struct {
	config  *config.Config
	store   store.Store
	runtime sandbox.Runtime
	log     logrus.FieldLogger
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the persistence implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithRuntime sets the orchestration runtime.
func (b *Builder) WithRuntime(rt sandbox.Runtime) *Builder {
	b.runtime = rt
	return b
}

// WithLogger sets the logger. The default is built from the config.
func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// Build creates the App. Missing components are filled with defaults: a
// SQLite store at the configured database path and a Kubernetes runtime
// from the in-cluster or kubeconfig credentials.
func (b *Builder) Build() (*App, error) {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		b.config = cfg
	}
	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.log == nil {
		b.log = cfg.NewLogger()
	}

	if b.store == nil {
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.runtime == nil {
		rt, err := k8sSandbox.New(k8sSandbox.Config{
			Kubeconfig: cfg.Kubeconfig,
			Timeout:    cfg.K8sTimeout,
		}, b.log)
		if err != nil {
			_ = b.store.Close()
			return nil, fmt.Errorf("initializing kubernetes runtime: %w", err)
		}
		b.runtime = rt
	}

	bus := eventbus.NewInMemoryBus()
	bus.OnDrop(func(int64) { metrics.EventsDropped.Inc() })

	lc := lifecycle.New(lifecycle.Config{
		Sandbox: sandbox.Spec{
			Image:       cfg.SandboxImage,
			CPULimit:    cfg.SandboxCPU,
			MemoryLimit: cfg.SandboxMemory,
		},
		Shell:        cfg.SandboxShell,
		CallTimeout:  cfg.K8sTimeout,
		ReapInterval: cfg.ReapInterval,
		OrphanGrace:  cfg.OrphanGrace,
	}, b.store, b.runtime, bus, b.log)

	authSvc, err := auth.New(auth.Config{Secret: cfg.JWTSecret, TTL: cfg.TokenTTL}, b.store, b.log)
	if err != nil {
		return nil, err
	}

	bridge := terminal.New(terminal.Config{}, lc, b.store, b.log)
	cls := classroom.New(b.store, lc, b.log)
	api := httpapi.New(httpapi.Config{
		JoinRate:       cfg.JoinRate,
		MetricsEnabled: cfg.MetricsEnabled,
	}, authSvc, cls, bridge, bus, b.log)

	return &App{
		config:    cfg,
		store:     b.store,
		lifecycle: lc,
		handler:   api,
		log:       b.log.WithField("component", "app"),
	}, nil
}

// App is a ClassPod server.
type App struct {
	config    *config.Config
	store     store.Store
	lifecycle *lifecycle.Manager
	handler   http.Handler
	log       logrus.FieldLogger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Lifecycle returns the sandbox lifecycle manager.
func (a *App) Lifecycle() *lifecycle.Manager { return a.lifecycle }

// Start serves HTTP and runs the orphan reaper. It blocks until ctx is
// done, then shuts down and closes the store.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.ServerAddr)
	if err != nil {
		_ = a.store.Close()
		return fmt.Errorf("listening on %s: %w", a.config.ServerAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.lifecycle.Start(ctx)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked terminal connections are not closed by Shutdown, so
		// they watch the base context instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("HTTP shutdown did not complete")
		}
	}()

	a.log.WithField("addr", ln.Addr().String()).Info("ClassPod server listening")
	err := srv.Serve(ln)

	a.lifecycle.Stop()
	closeErr := a.store.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return closeErr
}
