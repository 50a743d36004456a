// Package terminal bridges a student's websocket connection to the exec
// stream of their sandbox.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/ClassPod/internal/metrics"
	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
)

// Conn is the caller side of a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Sessions resolves and attaches sandboxes. *lifecycle.Manager satisfies it.
type Sessions interface {
	Lookup(ctx context.Context, studentID, courseID int64) (*model.Registration, error)
	Attach(ctx context.Context, reg *model.Registration) (sandbox.Stream, error)
}

// Membership answers enrollment questions.
type Membership interface {
	IsEnrolled(ctx context.Context, studentID, courseID int64) (bool, error)
}

// Config holds bridge settings.
type Config struct {
	// PingInterval is how often the caller is pinged while idle.
	PingInterval time.Duration

	// WriteTimeout bounds each write to the caller.
	WriteTimeout time.Duration

	// ReadBufferSize is the size of each read from the sandbox.
	ReadBufferSize int
}

// Bridge relays bytes between callers and sandboxes.
type Bridge struct {
	cfg      Config
	sessions Sessions
	members  Membership
	log      logrus.FieldLogger
}

// New creates a Bridge.
func New(cfg Config, sessions Sessions, members Membership, log logrus.FieldLogger) *Bridge {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 32 * 1024
	}
	return &Bridge{
		cfg:      cfg,
		sessions: sessions,
		members:  members,
		log:      log.WithField("component", "terminal"),
	}
}

// Resolve authorizes the caller and returns the sandbox to attach to. It
// runs before the connection is upgraded and never calls the
// orchestration platform.
func (b *Bridge) Resolve(ctx context.Context, id model.Identity, courseID int64) (*model.Registration, error) {
	if id.UserID == 0 {
		return nil, model.ErrUnauthenticated
	}
	if !id.IsStudent() {
		return nil, fmt.Errorf("%w: only students can open a practice terminal", model.ErrForbidden)
	}

	enrolled, err := b.members.IsEnrolled(ctx, id.UserID, courseID)
	if err != nil {
		return nil, fmt.Errorf("checking enrollment: %w", err)
	}
	if !enrolled {
		return nil, fmt.Errorf("%w: not enrolled in course %d", model.ErrForbidden, courseID)
	}

	return b.sessions.Lookup(ctx, id.UserID, courseID)
}

var (
	errCallerClosed = errors.New("caller closed the connection")
	errStreamClosed = errors.New("sandbox stream ended")
)

// Serve attaches to the sandbox and relays until either side finishes or
// ctx is cancelled. It always closes conn and the exec stream. A broken
// stream is reported to the caller as an "Error: ..." text frame.
func (b *Bridge) Serve(ctx context.Context, conn Conn, reg *model.Registration) error {
	log := b.log.WithFields(logrus.Fields{
		"student_id": reg.StudentID,
		"course_id":  reg.CourseID,
		"sandbox":    reg.Sandbox,
	})
	defer conn.Close()

	stream, err := b.sessions.Attach(ctx, reg)
	if err != nil {
		log.WithError(err).Warn("Failed to attach to sandbox")
		b.sendError(conn, err)
		return err
	}
	defer stream.Close()

	metrics.ActiveTerminals.Inc()
	defer metrics.ActiveTerminals.Dec()
	log.Info("Terminal session opened")

	g, gctx := errgroup.WithContext(ctx)

	// Unblock both relays once either finishes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-gctx.Done()
		_ = conn.SetReadDeadline(time.Now())
		_ = stream.Close()
	}()

	g.Go(func() error { return b.inbound(conn, stream) })
	g.Go(func() error { return b.outbound(gctx, conn, stream) })

	err = g.Wait()
	<-done

	switch {
	case errors.Is(err, model.ErrStream):
		log.WithError(err).Warn("Terminal stream broke")
		b.sendError(conn, err)
		return err
	case ctx.Err() != nil:
		b.sendClose(conn, websocket.CloseGoingAway, "server shutting down")
	default:
		b.sendClose(conn, websocket.CloseNormalClosure, "")
	}
	log.Info("Terminal session closed")
	return nil
}

// inbound copies caller messages verbatim to the sandbox's stdin.
func (b *Bridge) inbound(conn Conn, stream sandbox.Stream) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errCallerClosed, err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if _, err := stream.Write(data); err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return fmt.Errorf("%w: writing to sandbox: %v", model.ErrStream, err)
		}
		metrics.BridgedBytes.WithLabelValues("in").Add(float64(len(data)))
	}
}

// outbound forwards sandbox output to the caller. Reads happen on their
// own goroutine so the loop observes cancellation without waiting on a
// blocked read.
func (b *Bridge) outbound(ctx context.Context, conn Conn, stream sandbox.Stream) error {
	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)

	go func() {
		buf := make([]byte, b.cfg.ReadBufferSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk := <-chunks:
			if err := b.write(conn, websocket.BinaryMessage, chunk); err != nil {
				return fmt.Errorf("%w: %v", errCallerClosed, err)
			}
			metrics.BridgedBytes.WithLabelValues("out").Add(float64(len(chunk)))

		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return errStreamClosed
			}
			return fmt.Errorf("%w: %v", model.ErrStream, err)

		case <-ping.C:
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("%w: %v", errCallerClosed, err)
			}
		}
	}
}

func (b *Bridge) write(conn Conn, mt int, data []byte) error {
	if c, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = c.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	}
	return conn.WriteMessage(mt, data)
}

func (b *Bridge) sendError(conn Conn, err error) {
	_ = b.write(conn, websocket.TextMessage, []byte("Error: "+err.Error()))
	b.sendClose(conn, websocket.CloseInternalServerErr, "")
}

func (b *Bridge) sendClose(conn Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.cfg.WriteTimeout))
}
