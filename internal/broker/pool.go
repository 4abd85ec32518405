package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/session"
	"tradedesk/pkg/crypto"
)

var (
	ErrGatewayUnhealthy = errors.New("broker gateway is unhealthy")
	ErrPoolFull         = errors.New("broker gateway pool is full")
)

// cachedGateway holds a Gateway with lifecycle metadata.
type cachedGateway struct {
	gateway   *Gateway
	userID    string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// PoolConfig tunes the per-user gateway pool.
type PoolConfig struct {
	MaxSize          int           // LRU eviction beyond this many users
	IdleTimeout      time.Duration // unused gateways are closed after this
	HealthInterval   time.Duration
	FailureThreshold int           // consecutive terminal failures that open the circuit
	CircuitTimeout   time.Duration // how long an open circuit rejects calls
	Retry            RetryPolicy
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
		Retry:            DefaultRetryPolicy(),
	}
}

// Pool keeps one Gateway per user with LRU eviction, idle cleanup, periodic
// health checks and a per-user circuit breaker.
type Pool struct {
	mu       sync.RWMutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config  PoolConfig
	keys    *crypto.KeyManager
	factory TerminalFactory
	logger  zerolog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool. keys may be nil, which disables the credential cache.
func NewPool(factory TerminalFactory, keys *crypto.KeyManager, cfg PoolConfig, logger zerolog.Logger) *Pool {
	return &Pool{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		keys:     keys,
		factory:  factory,
		logger:   logger.With().Str("component", "broker_pool").Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the cleanup and health check loops until ctx ends or Stop.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.loop(ctx, p.config.IdleTimeout/2, p.cleanupIdle)
	go p.loop(ctx, p.config.HealthInterval, p.healthCheckAll)
}

func (p *Pool) loop(ctx context.Context, every time.Duration, fn func()) {
	defer p.wg.Done()
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the background loops and closes every gateway.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cached := range p.gateways {
		_ = cached.gateway.Close()
		delete(p.gateways, id)
	}
	p.lruOrder = nil
}

// For returns a BrokerAPI bound to userID that resolves the gateway through
// the pool on every call.
func (p *Pool) For(userID string) session.BrokerAPI {
	return &handle{pool: p, userID: userID}
}

// GetOrCreate returns the user's gateway, creating it on first use.
func (p *Pool) GetOrCreate(userID string) (*Gateway, error) {
	p.mu.RLock()
	if cached, ok := p.gateways[userID]; ok {
		if p.circuitOpenLocked(cached) {
			p.mu.RUnlock()
			return nil, fmt.Errorf("%w: %w", ErrTerminalUnavailable, ErrGatewayUnhealthy)
		}
		gw := cached.gateway
		p.mu.RUnlock()
		p.touchLRU(userID)
		return gw, nil
	}
	p.mu.RUnlock()

	return p.create(userID)
}

func (p *Pool) create(userID string) (*Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.gateways[userID]; ok {
		p.touchLRULocked(userID)
		return cached.gateway, nil
	}

	if p.config.MaxSize > 0 && len(p.gateways) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	term, err := p.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	gw := NewGateway(userID, term,
		WithKeys(p.keys),
		WithRetryPolicy(p.config.Retry),
		WithLogger(p.logger),
	)

	now := p.now()
	p.gateways[userID] = &cachedGateway{
		gateway:   gw,
		userID:    userID,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	p.lruOrder = append(p.lruOrder, userID)
	return gw, nil
}

// Remove closes and drops the user's gateway.
func (p *Pool) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(userID)
}

// RecordFailure counts a terminal failure against the user's circuit.
func (p *Pool) RecordFailure(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.gateways[userID]; ok {
		cached.failures++
		if cached.failures == p.config.FailureThreshold {
			p.logger.Warn().Str("user_id", userID).Int("failures", cached.failures).Msg("broker circuit opened")
		}
	}
}

// RecordSuccess closes the user's circuit.
func (p *Pool) RecordSuccess(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.gateways[userID]; ok {
		cached.failures = 0
		cached.healthyAt = p.now()
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	TotalGateways  int `json:"total_gateways"`
	MaxSize        int `json:"max_size"`
	UnhealthyCount int `json:"unhealthy_count"`
	CachedLogins   int `json:"cached_logins"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{TotalGateways: len(p.gateways), MaxSize: p.config.MaxSize}
	for _, cached := range p.gateways {
		if cached.failures >= p.config.FailureThreshold {
			stats.UnhealthyCount++
		}
		if cached.gateway.HasCachedLogin() {
			stats.CachedLogins++
		}
	}
	return stats
}

func (p *Pool) circuitOpenLocked(cached *cachedGateway) bool {
	return p.config.FailureThreshold > 0 &&
		cached.failures >= p.config.FailureThreshold &&
		p.now().Sub(cached.healthyAt) < p.config.CircuitTimeout
}

func (p *Pool) touchLRU(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLRULocked(userID)
}

func (p *Pool) touchLRULocked(userID string) {
	if cached, ok := p.gateways[userID]; ok {
		cached.lastUsed = p.now()
	}
	for i, id := range p.lruOrder {
		if id == userID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, userID)
			break
		}
	}
}

func (p *Pool) removeLocked(userID string) {
	if cached, ok := p.gateways[userID]; ok {
		_ = cached.gateway.Close()
		delete(p.gateways, userID)
	}
	for i, id := range p.lruOrder {
		if id == userID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	p.logger.Debug().Str("user_id", oldest).Msg("evicting least recently used gateway")
	p.removeLocked(oldest)
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var idle []string
	for id, cached := range p.gateways {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		p.removeLocked(id)
	}
	if len(idle) > 0 {
		p.logger.Debug().Int("removed", len(idle)).Msg("idle gateways closed")
	}
}

func (p *Pool) healthCheckAll() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.gateways))
	for id := range p.gateways {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		p.healthCheck(id)
	}
}

func (p *Pool) healthCheck(userID string) {
	p.mu.RLock()
	cached, ok := p.gateways[userID]
	if !ok {
		p.mu.RUnlock()
		return
	}
	gw := cached.gateway
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := gw.Ping(ctx)
	cancel()
	p.record(userID, err)
}

// record feeds the circuit breaker. Only terminal outages count; a rejected
// password says nothing about terminal health.
func (p *Pool) record(userID string, err error) {
	switch {
	case err == nil:
		p.RecordSuccess(userID)
	case errors.Is(err, ErrTerminalUnavailable):
		p.RecordFailure(userID)
	}
}

// handle is the pooled session.BrokerAPI for one user.
type handle struct {
	pool   *Pool
	userID string
}

func call[T any](h *handle, fn func(*Gateway) (T, error)) (T, error) {
	var zero T
	gw, err := h.pool.GetOrCreate(h.userID)
	if err != nil {
		return zero, err
	}
	v, err := fn(gw)
	h.pool.record(h.userID, err)
	return v, err
}

func (h *handle) ConnectAccount(ctx context.Context, creds session.Credentials) (session.AccountSnapshot, error) {
	return call(h, func(g *Gateway) (session.AccountSnapshot, error) { return g.ConnectAccount(ctx, creds) })
}

func (h *handle) GetAccountStatus(ctx context.Context) (session.StatusProbe, error) {
	return call(h, func(g *Gateway) (session.StatusProbe, error) { return g.GetAccountStatus(ctx) })
}

func (h *handle) GetAccountDetail(ctx context.Context) (session.AccountSnapshot, error) {
	return call(h, func(g *Gateway) (session.AccountSnapshot, error) { return g.GetAccountDetail(ctx) })
}

func (h *handle) AutoConnect(ctx context.Context) (session.AutoConnectResult, error) {
	return call(h, func(g *Gateway) (session.AutoConnectResult, error) { return g.AutoConnect(ctx) })
}

func (h *handle) DisconnectAccount(ctx context.Context) error {
	_, err := call(h, func(g *Gateway) (struct{}, error) { return struct{}{}, g.DisconnectAccount(ctx) })
	return err
}
