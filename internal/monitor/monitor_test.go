package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/controller"
	"tradedesk/internal/events"
	"tradedesk/internal/session"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestObserversCount(t *testing.T) {
	m := NewMetrics()
	m.ObserveTransition(session.StatusIdle, session.StatusConnecting)
	m.ObserveTransition(session.StatusIdle, session.StatusConnecting)
	m.ObserveLock("locked")
	m.ObserveRequest(http.MethodGet, "/health", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionTransitions.WithLabelValues("idle", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskLocks.WithLabelValues("locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/health", "200")))
}

func TestHandlerExposesPoolGauges(t *testing.T) {
	m := NewMetrics()
	m.WatchPool(func() broker.PoolStats { return broker.PoolStats{TotalGateways: 3, UnhealthyCount: 1} })
	m.WatchUsers(func() int { return 2 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tradedesk_broker_pool_gateways 3"))
	assert.True(t, strings.Contains(body, "tradedesk_broker_pool_unhealthy 1"))
	assert.True(t, strings.Contains(body, "tradedesk_active_users 2"))
}

func TestMonitorAlertsOnSessionError(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := &Monitor{Bus: bus, Metrics: NewMetrics(), Sink: sink, Logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Emit("u1", events.EventSessionChange, controller.SessionEvent{Status: session.StatusConnected})
	bus.Emit("u1", events.EventSessionChange, controller.SessionEvent{Status: session.StatusError, LastError: "terminal down"})
	bus.Emit("u1", events.EventConfigSaved, controller.Document{UserID: "u1"})

	require.Eventually(t, func() bool {
		return sink.count() == 1 && testutil.ToFloat64(m.Metrics.configSaves) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.sessionErrors))
	assert.Contains(t, sink.msgs[0], "terminal down")
}

func TestMonitorSkipsWithoutBus(t *testing.T) {
	m := &Monitor{Logger: zerolog.Nop()}
	m.Start(context.Background())
}
