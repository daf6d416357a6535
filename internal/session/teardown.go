package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/errors"
	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

// teardown releases everything a session owns. Only the first call for a
// session does any work. Recording is finalized and announced before the
// containers go away so observers can still resolve the session.
func (m *Manager) teardown(ctx context.Context, sess *models.Session, timedOut bool) error {
	if !sess.BeginClosing() {
		return nil
	}

	seconds := int(sess.IdleTimeout.Seconds())
	if timedOut {
		m.logger.Warn("Deleting session due to timeout",
			zap.String("session_id", sess.ID),
			zap.Int("timeout", seconds))
	} else {
		m.logger.Info("Deleting session", zap.String("session_id", sess.ID))
	}

	m.stopLogMonitor(sess.ID)

	if sess.VncContainer() != "" && m.recorder != nil {
		m.finalizeRecording(ctx, sess)
	}

	if !sess.Live {
		m.notifier.BroadcastRemoved(sess)
	}

	for _, name := range sess.Containers() {
		m.stopContainer(ctx, name)
	}
	if m.registry.Remove(sess.ID) {
		m.metrics.SessionsActive.Dec()
	}
	m.timeouts.Cancel(sess.ID)
	m.releaseSlot()

	m.metrics.SessionsRemoved.Inc()
	if timedOut {
		m.metrics.SessionsTimedOut.Inc()
		return errors.SessionTimeout(sess.ID, seconds)
	}
	return nil
}

// finalizeRecording is best effort; failures are logged and teardown goes on
func (m *Manager) finalizeRecording(ctx context.Context, sess *models.Session) {
	if err := m.recorder.Stop(ctx, sess); err != nil {
		m.logger.Error("Failed to stop recording", zap.String("session_id", sess.ID), zap.Error(err))
	}

	artifact, err := m.recorder.Persist(ctx, sess)
	if err != nil {
		m.logger.Error("Failed to store recording", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	if err := m.recorder.PersistMetadata(sess, artifact); err != nil {
		m.logger.Error("Failed to store recording metadata", zap.String("session_id", sess.ID), zap.Error(err))
	}

	m.notifier.BroadcastRecording(sess, artifact)
}
