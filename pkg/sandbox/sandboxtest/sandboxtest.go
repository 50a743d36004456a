// Package sandboxtest provides an in-memory sandbox.Runtime that records
// every call, for tests of packages that orchestrate sandboxes.
package sandboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jxucoder/ClassPod/pkg/sandbox"
)

// Runtime is a fake sandbox.Runtime. Boundaries and sandboxes live in
// maps; the Fail* hooks inject errors per operation.
type Runtime struct {
	mu         sync.Mutex
	boundaries map[string]bool
	sandboxes  map[string]sandbox.Info // key: boundary/name
	calls      map[string]int

	// Fail returns a non-nil error to make the named operation fail
	// before it touches state. Operation names match the method names.
	Fail func(op, boundary, name string) error

	// CreateHook runs after a successful CreateSandbox, outside the lock.
	CreateHook func(boundary, name string)

	// Delay is slept at the start of every mutating call.
	Delay time.Duration

	// Attach builds the stream returned by AttachExec. The default echoes
	// each write back as "$ <input>".
	Attach func(boundary, name string, opts sandbox.ExecOptions) (sandbox.Stream, error)
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		boundaries: make(map[string]bool),
		sandboxes:  make(map[string]sandbox.Info),
		calls:      make(map[string]int),
	}
}

// Calls returns how many times op was invoked.
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls returns the number of calls across every operation.
func (r *Runtime) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// HasBoundary reports whether the boundary exists.
func (r *Runtime) HasBoundary(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundaries[name]
}

// HasSandbox reports whether the sandbox exists.
func (r *Runtime) HasSandbox(boundary, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sandboxes[key(boundary, name)]
	return ok
}

// SandboxCount returns the number of sandboxes in a boundary.
func (r *Runtime) SandboxCount(boundary string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range r.sandboxes {
		if info.Boundary == boundary {
			n++
		}
	}
	return n
}

// Seed places a sandbox directly, as if created earlier.
func (r *Runtime) Seed(info sandbox.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundaries[info.Boundary] = true
	r.sandboxes[key(info.Boundary, info.Name)] = info
}

func (r *Runtime) begin(op, boundary, name string) error {
	r.mu.Lock()
	r.calls[op]++
	fail := r.Fail
	delay := r.Delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		if err := fail(op, boundary, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) CreateBoundary(_ context.Context, name string) error {
	if err := r.begin("CreateBoundary", name, ""); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.boundaries[name] {
		return &sandbox.Error{Op: "create boundary " + name, Status: http.StatusConflict, Err: fmt.Errorf("namespace %q exists", name)}
	}
	r.boundaries[name] = true
	return nil
}

func (r *Runtime) DeleteBoundary(_ context.Context, name string) error {
	if err := r.begin("DeleteBoundary", name, ""); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.boundaries[name] {
		return &sandbox.Error{Op: "delete boundary " + name, Status: http.StatusNotFound, Err: fmt.Errorf("namespace %q not found", name)}
	}
	delete(r.boundaries, name)
	for k, info := range r.sandboxes {
		if info.Boundary == name {
			delete(r.sandboxes, k)
		}
	}
	return nil
}

func (r *Runtime) CreateSandbox(_ context.Context, boundary, name string, spec sandbox.Spec) error {
	if err := spec.Validate(); err != nil {
		return &sandbox.Error{Op: "create sandbox " + name, Err: err}
	}
	if err := r.begin("CreateSandbox", boundary, name); err != nil {
		return err
	}

	r.mu.Lock()
	k := key(boundary, name)
	if _, ok := r.sandboxes[k]; ok {
		r.mu.Unlock()
		return &sandbox.Error{Op: "create sandbox " + name, Status: http.StatusConflict, Err: fmt.Errorf("pod %q exists", name)}
	}
	labels := make(map[string]string, len(spec.Labels)+1)
	for lk, lv := range spec.Labels {
		labels[lk] = lv
	}
	labels[sandbox.LabelManagedBy] = sandbox.ManagedByValue
	r.sandboxes[k] = sandbox.Info{
		Boundary:  boundary,
		Name:      name,
		Labels:    labels,
		Running:   true,
		CreatedAt: time.Now(),
	}
	hook := r.CreateHook
	r.mu.Unlock()

	if hook != nil {
		hook(boundary, name)
	}
	return nil
}

func (r *Runtime) DeleteSandbox(_ context.Context, boundary, name string) error {
	if err := r.begin("DeleteSandbox", boundary, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(boundary, name)
	if _, ok := r.sandboxes[k]; !ok {
		return &sandbox.Error{Op: "delete sandbox " + name, Status: http.StatusNotFound, Err: fmt.Errorf("pod %q not found", name)}
	}
	delete(r.sandboxes, k)
	return nil
}

func (r *Runtime) ListBoundaries(_ context.Context) ([]string, error) {
	if err := r.begin("ListBoundaries", "", ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.boundaries))
	for name := range r.boundaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runtime) ListSandboxes(_ context.Context, boundary string) ([]sandbox.Info, error) {
	if err := r.begin("ListSandboxes", boundary, ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var infos []sandbox.Info
	for _, info := range r.sandboxes {
		if info.Boundary == boundary {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (r *Runtime) AttachExec(_ context.Context, boundary, name string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	if err := r.begin("AttachExec", boundary, name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	info, ok := r.sandboxes[key(boundary, name)]
	attach := r.Attach
	r.mu.Unlock()

	if !ok {
		return nil, &sandbox.Error{Op: "attach " + name, Status: http.StatusNotFound, Err: fmt.Errorf("pod %q not found", name)}
	}
	if !info.Running {
		return nil, &sandbox.Error{Op: "attach " + name, Err: sandbox.ErrNotRunning}
	}
	if attach != nil {
		return attach(boundary, name, opts)
	}
	return NewEchoStream("$ "), nil
}

func key(boundary, name string) string { return boundary + "/" + name }

// EchoStream is a sandbox.Stream that answers every write with the
// prompt followed by the written bytes.
type EchoStream struct {
	prompt string
	pr     *io.PipeReader
	pw     *io.PipeWriter
	out    chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewEchoStream returns an open echo stream.
func NewEchoStream(prompt string) *EchoStream {
	pr, pw := io.Pipe()
	s := &EchoStream{
		prompt: prompt,
		pr:     pr,
		pw:     pw,
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump writes echoes to the pipe in the order they were produced.
func (s *EchoStream) pump() {
	for {
		select {
		case b := <-s.out:
			if _, err := s.pw.Write(b); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *EchoStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *EchoStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.written.Write(p)
	s.mu.Unlock()

	echo := append([]byte(s.prompt), p...)
	select {
	case s.out <- echo:
	case <-s.done:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Fail breaks the stream so pending and future reads return err.
func (s *EchoStream) Fail(err error) {
	_ = s.pw.CloseWithError(err)
}

// Close closes the stream. It is safe to call more than once.
func (s *EchoStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	_ = s.pw.Close()
	return s.pr.Close()
}

// Closed reports whether Close was called.
func (s *EchoStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Written returns everything written to the stream so far.
func (s *EchoStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}
