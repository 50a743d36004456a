// Package lifecycle owns the mapping from (student, course) to sandbox.
// It provisions sandboxes and boundaries through a sandbox.Runtime and
// records them in a store.Registry, enforcing one sandbox per student
// per course.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/internal/metrics"
	"github.com/jxucoder/ClassPod/pkg/eventbus"
	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
	"github.com/jxucoder/ClassPod/pkg/store"
)

// State is the provisioning state of one (student, course) key.
type State string

const (
	StateUnprovisioned State = "unprovisioned"
	StateProvisioning  State = "provisioning"
	StateProvisioned   State = "provisioned"
	StateTearingDown   State = "tearing_down"
)

// Config holds lifecycle settings.
type Config struct {
	// Sandbox is the base spec for every student sandbox. Labels are
	// merged with the course and student labels.
	Sandbox sandbox.Spec

	// Shell is the command attached by Attach.
	Shell string

	// CallTimeout bounds each orchestration call. Zero means no bound
	// beyond the caller's context.
	CallTimeout time.Duration

	// ReapInterval is how often orphan sandboxes are collected. Zero
	// disables the reaper.
	ReapInterval time.Duration

	// OrphanGrace is how old an unregistered sandbox must be before the
	// reaper deletes it.
	OrphanGrace time.Duration
}

type regKey struct {
	student int64
	course  int64
}

// Manager runs sandbox provisioning and teardown.
type Manager struct {
	cfg      Config
	registry store.Registry
	runtime  sandbox.Runtime
	bus      eventbus.Bus
	log      logrus.FieldLogger

	locks keyedMutex

	mu     sync.Mutex
	states map[regKey]State
	ending map[int64]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. bus may be nil.
func New(cfg Config, registry store.Registry, rt sandbox.Runtime, bus eventbus.Bus, log logrus.FieldLogger) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = 10 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		runtime:  rt,
		bus:      bus,
		log:      log.WithField("component", "lifecycle"),
		locks:    keyedMutex{locks: make(map[regKey]*keyLock)},
		states:   make(map[regKey]State),
		ending:   make(map[int64]struct{}),
	}
}

// Start runs the orphan reaper until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	if m.cfg.ReapInterval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reapLoop(ctx)
	}()
}

// Stop cancels background work and waits for it to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// EnsureCourseBoundary creates the course's isolation boundary. An
// existing boundary counts as success.
func (m *Manager) EnsureCourseBoundary(ctx context.Context, course *model.Course) error {
	boundary := course.Boundary()
	err := m.call(ctx, "create_boundary", func(ctx context.Context) error {
		return m.runtime.CreateBoundary(ctx, boundary)
	})
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrConflict):
		m.log.WithField("boundary", boundary).Debug("Boundary already exists")
	default:
		m.log.WithError(err).WithField("boundary", boundary).Error("Failed to create boundary")
		return fmt.Errorf("%w: boundary %s: %v", model.ErrProvisioning, boundary, err)
	}
	return nil
}

// EnsureSandbox returns the student's sandbox registration for the
// course, provisioning it when none exists. existed reports whether the
// registration was already present.
func (m *Manager) EnsureSandbox(ctx context.Context, studentID int64, course *model.Course) (reg *model.Registration, existed bool, err error) {
	key := regKey{student: studentID, course: course.ID}
	unlock := m.locks.Lock(key)
	defer unlock()

	log := m.log.WithFields(logrus.Fields{
		"student_id": studentID,
		"course_id":  course.ID,
	})

	if reg, err := m.registry.Lookup(ctx, studentID, course.ID); err == nil {
		m.setState(key, StateProvisioned)
		metrics.ProvisionsTotal.WithLabelValues(metrics.OutcomeExisting).Inc()
		return reg, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up registration: %w", err)
	}

	if m.isEnding(course.ID) {
		return nil, false, fmt.Errorf("%w: course %d is ending", model.ErrNotFound, course.ID)
	}

	m.setState(key, StateProvisioning)
	boundary := course.Boundary()
	name := model.SandboxName(course.Name, studentID)
	log = log.WithFields(logrus.Fields{"boundary": boundary, "sandbox": name})

	created := true
	err = m.call(ctx, "create_sandbox", func(ctx context.Context) error {
		return m.runtime.CreateSandbox(ctx, boundary, name, m.specFor(course.ID, studentID))
	})
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrConflict):
		// Left by a concurrent provisioner or a crash before Register.
		log.Info("Sandbox already exists remotely, adopting it")
		created = false
	default:
		return nil, false, m.provisionFailed(ctx, key, course.ID, name, log, err)
	}

	reg = &model.Registration{
		StudentID: studentID,
		CourseID:  course.ID,
		Boundary:  boundary,
		Sandbox:   name,
		CreatedAt: time.Now().UTC(),
	}
	err = m.registry.Register(ctx, reg)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyExists):
		return m.resolveRace(ctx, key, reg, created, log)
	case errors.Is(err, store.ErrNotFound):
		if created {
			m.discard(ctx, boundary, name, log)
		}
		m.clearState(key)
		log.Info("Course removed while provisioning, discarded sandbox")
		return nil, false, fmt.Errorf("%w: course %d no longer exists", model.ErrNotFound, course.ID)
	default:
		if created {
			m.discard(ctx, boundary, name, log)
		}
		return nil, false, m.provisionFailed(ctx, key, course.ID, name, log, fmt.Errorf("registering sandbox: %w", err))
	}

	// TeardownCourse marks the course before UnregisterAll, so either it
	// removes this row or we see the mark here and remove it ourselves.
	if m.isEnding(course.ID) {
		if err := m.registry.Unregister(ctx, studentID, course.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("Failed to remove registration of ending course")
		}
		if created {
			m.discard(ctx, boundary, name, log)
		}
		m.clearState(key)
		log.Info("Course ended while provisioning, discarded sandbox")
		return nil, false, fmt.Errorf("%w: course %d is ending", model.ErrNotFound, course.ID)
	}

	m.setState(key, StateProvisioned)
	metrics.ProvisionsTotal.WithLabelValues(metrics.OutcomeCreated).Inc()
	m.publish(&model.Event{CourseID: course.ID, Type: model.EventProvisioned, StudentID: studentID, Sandbox: name})
	log.Info("Provisioned sandbox")
	return reg, false, nil
}

// resolveRace handles a Register that lost to a concurrent writer. The
// winner's registration is returned; our sandbox is discarded only when
// it is not the one the winner registered.
func (m *Manager) resolveRace(ctx context.Context, key regKey, ours *model.Registration, created bool, log logrus.FieldLogger) (*model.Registration, bool, error) {
	winner, err := m.registry.Lookup(ctx, ours.StudentID, ours.CourseID)
	if err != nil {
		if created {
			m.discard(ctx, ours.Boundary, ours.Sandbox, log)
		}
		return nil, false, m.provisionFailed(ctx, key, ours.CourseID, ours.Sandbox, log,
			fmt.Errorf("registration conflict but winner not readable: %w", err))
	}

	if created && (winner.Boundary != ours.Boundary || winner.Sandbox != ours.Sandbox) {
		m.discard(ctx, ours.Boundary, ours.Sandbox, log)
	}

	m.setState(key, StateProvisioned)
	metrics.ProvisionsTotal.WithLabelValues(metrics.OutcomeRaceLost).Inc()
	log.WithField("winner", winner.Sandbox).Info("Lost registration race, using existing sandbox")
	return winner, true, nil
}

func (m *Manager) provisionFailed(ctx context.Context, key regKey, courseID int64, name string, log logrus.FieldLogger, err error) error {
	m.clearState(key)
	metrics.ProvisionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	m.publish(&model.Event{
		CourseID:  courseID,
		Type:      model.EventProvisionFailed,
		StudentID: key.student,
		Sandbox:   name,
		Detail:    err.Error(),
	})
	log.WithError(err).Error("Failed to provision sandbox")
	return fmt.Errorf("%w: sandbox %s: %v", model.ErrProvisioning, name, err)
}

// discard deletes a sandbox we created but could not keep.
func (m *Manager) discard(ctx context.Context, boundary, name string, log logrus.FieldLogger) {
	err := m.call(ctx, "delete_sandbox", func(ctx context.Context) error {
		return m.runtime.DeleteSandbox(ctx, boundary, name)
	})
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		log.WithError(err).Warn("Failed to discard sandbox, leaving it to the reaper")
	}
}

// TeardownSandbox removes the student's sandbox and then its
// registration. With no registration it returns nil without calling the
// orchestration platform. A remote failure leaves the registration in
// place so the call can be retried.
func (m *Manager) TeardownSandbox(ctx context.Context, studentID, courseID int64) error {
	key := regKey{student: studentID, course: courseID}
	unlock := m.locks.Lock(key)
	defer unlock()

	reg, err := m.registry.Lookup(ctx, studentID, courseID)
	if errors.Is(err, store.ErrNotFound) {
		m.clearState(key)
		metrics.TeardownsTotal.WithLabelValues("sandbox", metrics.OutcomeAbsent).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up registration: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{
		"student_id": studentID,
		"course_id":  courseID,
		"boundary":   reg.Boundary,
		"sandbox":    reg.Sandbox,
	})

	m.setState(key, StateTearingDown)
	err = m.call(ctx, "delete_sandbox", func(ctx context.Context) error {
		return m.runtime.DeleteSandbox(ctx, reg.Boundary, reg.Sandbox)
	})
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		m.setState(key, StateProvisioned)
		metrics.TeardownsTotal.WithLabelValues("sandbox", metrics.OutcomeFailed).Inc()
		log.WithError(err).Error("Failed to delete sandbox")
		return fmt.Errorf("%w: sandbox %s: %v", model.ErrTeardown, reg.Sandbox, err)
	}

	if err := m.registry.Unregister(ctx, studentID, courseID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.setState(key, StateProvisioned)
		return fmt.Errorf("removing registration: %w", err)
	}

	m.clearState(key)
	metrics.TeardownsTotal.WithLabelValues("sandbox", metrics.OutcomeRemoved).Inc()
	m.publish(&model.Event{CourseID: courseID, Type: model.EventTornDown, StudentID: studentID, Sandbox: reg.Sandbox})
	log.Info("Tore down sandbox")
	return nil
}

// TeardownCourse deletes the course boundary, which removes every
// sandbox in it, then every registration of the course. It returns the
// number of registrations removed. Provisioning for the course is
// refused from the moment teardown starts; a failed teardown lifts the
// fence again so the course stays usable.
func (m *Manager) TeardownCourse(ctx context.Context, course *model.Course) (int64, error) {
	boundary := course.Boundary()
	log := m.log.WithFields(logrus.Fields{"course_id": course.ID, "boundary": boundary})

	m.mu.Lock()
	m.ending[course.ID] = struct{}{}
	m.mu.Unlock()

	err := m.call(ctx, "delete_boundary", func(ctx context.Context) error {
		return m.runtime.DeleteBoundary(ctx, boundary)
	})
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		m.lift(course.ID)
		metrics.TeardownsTotal.WithLabelValues("course", metrics.OutcomeFailed).Inc()
		log.WithError(err).Error("Failed to delete boundary")
		return 0, fmt.Errorf("%w: boundary %s: %v", model.ErrTeardown, boundary, err)
	}

	n, err := m.registry.UnregisterAll(ctx, course.ID)
	if err != nil {
		m.lift(course.ID)
		return 0, fmt.Errorf("removing registrations: %w", err)
	}

	m.mu.Lock()
	for k := range m.states {
		if k.course == course.ID {
			delete(m.states, k)
		}
	}
	m.mu.Unlock()

	metrics.TeardownsTotal.WithLabelValues("course", metrics.OutcomeRemoved).Inc()
	m.publish(&model.Event{CourseID: course.ID, Type: model.EventCourseEnded, Detail: strconv.FormatInt(n, 10) + " sandboxes removed"})
	log.WithField("registrations", n).Info("Tore down course")
	return n, nil
}

// Lookup returns the student's registration, or an error matching
// model.ErrNotFound.
func (m *Manager) Lookup(ctx context.Context, studentID, courseID int64) (*model.Registration, error) {
	reg, err := m.registry.Lookup(ctx, studentID, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no sandbox registered for student %d in course %d", model.ErrNotFound, studentID, courseID)
	}
	return reg, err
}

// Attach opens an interactive shell in a registered sandbox.
func (m *Manager) Attach(ctx context.Context, reg *model.Registration) (sandbox.Stream, error) {
	start := time.Now()
	stream, err := m.runtime.AttachExec(ctx, reg.Boundary, reg.Sandbox, sandbox.ShellOptions(m.cfg.Shell))
	metrics.OrchestrationDuration.WithLabelValues("attach_exec").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: attaching to %s: %v", model.ErrStream, reg.Sandbox, err)
	}
	return stream, nil
}

// State reports the provisioning state of a key, consulting the
// registry when no operation is in flight.
func (m *Manager) State(ctx context.Context, studentID, courseID int64) (State, error) {
	m.mu.Lock()
	st, ok := m.states[regKey{student: studentID, course: courseID}]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	_, err := m.registry.Lookup(ctx, studentID, courseID)
	switch {
	case err == nil:
		return StateProvisioned, nil
	case errors.Is(err, store.ErrNotFound):
		return StateUnprovisioned, nil
	}
	return "", err
}

func (m *Manager) specFor(courseID, studentID int64) sandbox.Spec {
	spec := m.cfg.Sandbox
	labels := make(map[string]string, len(m.cfg.Sandbox.Labels)+2)
	for k, v := range m.cfg.Sandbox.Labels {
		labels[k] = v
	}
	labels[sandbox.LabelCourseID] = strconv.FormatInt(courseID, 10)
	labels[sandbox.LabelStudentID] = strconv.FormatInt(studentID, 10)
	spec.Labels = labels
	return spec
}

// call runs one orchestration call under the configured timeout and
// records its duration.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	metrics.OrchestrationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

func (m *Manager) publish(ev *model.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) isEnding(courseID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ending[courseID]
	return ok
}

func (m *Manager) lift(courseID int64) {
	m.mu.Lock()
	delete(m.ending, courseID)
	m.mu.Unlock()
}

func (m *Manager) setState(key regKey, st State) {
	m.mu.Lock()
	m.states[key] = st
	m.mu.Unlock()
}

func (m *Manager) clearState(key regKey) {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
}
