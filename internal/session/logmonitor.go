package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

var browserLogRequest = []byte(`{"type":"browser"}`)

type logEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type logResponse struct {
	Value []logEntry `json:"value"`
}

// startLogMonitor polls the browser console of sess until teardown.
// Polling talks to the backend directly and does not count as activity.
func (m *Manager) startLogMonitor(sess *models.Session) {
	if m.opts.LogMonitorInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.monitorsMu.Lock()
	m.monitors[sess.ID] = cancel
	m.monitorsMu.Unlock()

	go m.monitorLogs(ctx, sess)
}

func (m *Manager) stopLogMonitor(id string) {
	m.monitorsMu.Lock()
	cancel, ok := m.monitors[id]
	delete(m.monitors, id)
	m.monitorsMu.Unlock()

	if ok {
		cancel()
	}
}

func (m *Manager) monitorLogs(ctx context.Context, sess *models.Session) {
	interval := m.opts.LogMonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	url := sess.HubURL + "/session/" + sess.ID + "/log"
	logger := m.logger.Named("browser-log").With(zap.String("session_id", sess.ID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := m.forwarder.Do(ctx, http.MethodPost, url, browserLogRequest, interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("Failed to fetch browser log", zap.Error(err))
			continue
		}
		if !isSuccess(resp.Status) {
			logger.Debug("Browser log unavailable", zap.Int("status", resp.Status))
			continue
		}

		var parsed logResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			logger.Debug("Unreadable browser log", zap.Error(err))
			continue
		}
		for _, e := range parsed.Value {
			logger.Info(e.Message,
				zap.String("level", e.Level),
				zap.Time("time", time.UnixMilli(e.Timestamp)))
		}
	}
}
