package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/internal/metrics"
	"github.com/jxucoder/ClassPod/pkg/sandbox"
	"github.com/jxucoder/ClassPod/pkg/store"
)

func (m *Manager) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Reap(ctx); err != nil {
				m.log.WithError(err).Warn("Reaper pass failed")
			} else if n > 0 {
				m.log.WithField("reaped", n).Info("Reaped orphan sandboxes")
			}
		}
	}
}

// Reap deletes managed sandboxes that have no matching registration and
// are older than the orphan grace period. These are left behind when the
// process dies between creating a sandbox and registering it.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	boundaries, err := m.runtime.ListBoundaries(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, boundary := range boundaries {
		infos, err := m.runtime.ListSandboxes(ctx, boundary)
		if err != nil {
			m.log.WithError(err).WithField("boundary", boundary).Warn("Failed to list sandboxes")
			continue
		}
		for _, info := range infos {
			if m.reapOne(ctx, info) {
				reaped++
			}
		}
	}
	return reaped, nil
}

func (m *Manager) reapOne(ctx context.Context, info sandbox.Info) bool {
	if time.Since(info.CreatedAt) < m.cfg.OrphanGrace {
		return false
	}
	courseID, err1 := strconv.ParseInt(info.Labels[sandbox.LabelCourseID], 10, 64)
	studentID, err2 := strconv.ParseInt(info.Labels[sandbox.LabelStudentID], 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}

	key := regKey{student: studentID, course: courseID}
	unlock := m.locks.Lock(key)
	defer unlock()

	reg, err := m.registry.Lookup(ctx, studentID, courseID)
	switch {
	case err == nil && reg.Boundary == info.Boundary && reg.Sandbox == info.Name:
		return false
	case err != nil && !errors.Is(err, store.ErrNotFound):
		m.log.WithError(err).Warn("Reaper lookup failed")
		return false
	}

	log := m.log.WithFields(logrus.Fields{
		"boundary": info.Boundary,
		"sandbox":  info.Name,
		"age":      time.Since(info.CreatedAt).Round(time.Second),
	})
	err = m.call(ctx, "delete_sandbox", func(ctx context.Context) error {
		return m.runtime.DeleteSandbox(ctx, info.Boundary, info.Name)
	})
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		log.WithError(err).Warn("Failed to reap sandbox")
		return false
	}

	metrics.ReapedTotal.Inc()
	log.Info("Reaped orphan sandbox")
	return true
}
