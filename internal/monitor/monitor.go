// Package monitor exports desk metrics to Prometheus and raises alerts from
// the event bus.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/controller"
	"tradedesk/internal/events"
	"tradedesk/internal/session"
)

// Monitor watches bus events, counts them and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Logger  zerolog.Logger
}

// Start subscribes and returns immediately; the watcher stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		m.Logger.Warn().Msg("monitor not fully configured; skipping")
		return
	}
	sessions, unsubSessions := m.Bus.Subscribe(events.EventSessionChange, 64)
	saves, unsubSaves := m.Bus.Subscribe(events.EventConfigSaved, 16)

	go func() {
		defer unsubSessions()
		defer unsubSaves()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sessions:
				if !ok {
					return
				}
				m.onSession(env)
			case _, ok := <-saves:
				if !ok {
					return
				}
				m.Metrics.configSaves.Inc()
			}
		}
	}()
}

func (m *Monitor) onSession(env events.Envelope) {
	ev, ok := env.Payload.(controller.SessionEvent)
	if !ok || ev.Status != session.StatusError {
		return
	}
	m.Metrics.sessionErrors.Inc()
	if m.Sink != nil {
		_ = m.Sink.Send(formatAlert(env.UserID, ev.LastError, env.At))
	}
}

func formatAlert(userID, reason string, at time.Time) string {
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("[%s] broker session error for user %s: %s", at.Format(time.RFC3339), userID, reason)
}
