package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/session"
	"tradedesk/pkg/id"
)

const lockSource = "dashboard"

// Lock outcomes reported to the observer.
const (
	OutcomeLocked        = "locked"
	OutcomeAlreadyLocked = "already_locked"
	OutcomeNotConnected  = "not_connected"
	OutcomeInvalid       = "invalid"
	OutcomeBusy          = "busy"
	OutcomeFailed        = "failed"
)

// Manager owns one user's risk configuration. Fields are freely editable
// until Lock succeeds; after that the configuration never changes.
type Manager struct {
	store    LockStore
	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time
	observe  func(outcome string)

	mu       sync.RWMutex
	config   RiskConfig
	locked   bool
	lockedAt time.Time
	lockID   string
	snapshot *LockSnapshot
	locking  bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "risk").Logger() }
}

// WithLockObserver is called once per Lock call with its outcome.
func WithLockObserver(fn func(outcome string)) Option {
	return func(m *Manager) { m.observe = fn }
}

// WithClock overrides time.Now for snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an unlocked manager with cfg as the starting values.
func NewManager(store LockStore, cfg RiskConfig, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   zerolog.Nop(),
		validate: newValidator(),
		now:      time.Now,
		config:   cfg.clone(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewInMemory creates a manager without a store. Lock fails on it unless
// a persisted lock was hydrated first.
func NewInMemory(cfg RiskConfig) *Manager {
	return NewManager(nil, cfg)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("risk_option", func(fl validator.FieldLevel) bool {
		return isRiskOption(fl.Field().Float())
	})
	return v
}

func isRiskOption(v float64) bool {
	for _, opt := range RiskPercentOptions {
		if v == opt {
			return true
		}
	}
	return false
}

// State returns a copy of the current configuration and lock status.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{
		Config:        m.config.clone(),
		IsLocked:      m.locked,
		LockID:        m.lockID,
		MaxRiskAmount: maxRiskAmount(m.config).StringFixed(2),
	}
	if m.locked {
		t := m.lockedAt
		st.LockedAt = &t
	}
	if m.snapshot != nil {
		s := *m.snapshot
		st.Snapshot = &s
	}
	return st
}

// IsLocked reports whether the configuration is frozen.
func (m *Manager) IsLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked
}

// MaxRiskAmount is totalCapital × riskPercentage / 100, rounded to cents.
func (m *Manager) MaxRiskAmount() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maxRiskAmount(m.config)
}

func maxRiskAmount(c RiskConfig) decimal.Decimal {
	return decimal.NewFromFloat(c.TotalCapital).
		Mul(decimal.NewFromFloat(c.RiskPercentage)).
		Div(decimal.NewFromInt(100)).
		Round(2)
}

// UpdateField sets one field without cross-field validation. Names may be
// camelCase or snake_case.
func (m *Manager) UpdateField(name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return ErrConfigLocked
	}
	if m.locking {
		return ErrLockInProgress
	}

	cfg := m.config.clone()
	if err := setField(&cfg, name, value); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

func setField(cfg *RiskConfig, name string, value any) error {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	switch key {
	case "totalcapital", "islocked", "lockedat":
		return fmt.Errorf("%w: %s", ErrFieldNotEditable, name)
	case "riskpercentage":
		return setFloat(&cfg.RiskPercentage, name, value)
	case "maxdailylosspercent":
		return setFloat(&cfg.MaxDailyLossPercent, name, value)
	case "maxweeklylosspercent":
		return setFloat(&cfg.MaxWeeklyLossPercent, name, value)
	case "maxdailyprofitpercent":
		return setFloat(&cfg.MaxDailyProfitPercent, name, value)
	case "minrewardriskratio", "minrrr":
		return setFloat(&cfg.MinRewardRiskRatio, name, value)
	case "maxopentrades":
		return setInt(&cfg.MaxOpenTrades, name, value)
	case "maxlosingstreak":
		return setInt(&cfg.MaxLosingStreak, name, value)
	case "cooldownhours":
		return setInt(&cfg.CoolDownHours, name, value)
	case "riskbystrategy":
		table, err := toStrategyTable(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidFieldValue, name, err)
		}
		cfg.RiskByStrategy = table
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
}

func setFloat(dst *float64, name string, value any) error {
	v, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("%w: %s=%v", ErrInvalidFieldValue, name, value)
	}
	*dst = v
	return nil
}

func setInt(dst *int, name string, value any) error {
	v, ok := toFloat(value)
	if !ok || v != float64(int(v)) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidFieldValue, name, value)
	}
	*dst = int(v)
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case json.RawMessage:
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toStrategyTable(value any) (map[string]StrategyRisk, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]StrategyRisk:
		out := make(map[string]StrategyRisk, len(v))
		for k, sr := range v {
			out[k] = sr
		}
		return out, nil
	case json.RawMessage:
		var out map[string]StrategyRisk
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, err
		}
		return out, nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out map[string]StrategyRisk
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

// SyncCapital mirrors the connected account's balance. It reports whether
// the capital changed and is a no-op once locked.
func (m *Manager) SyncCapital(balance float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked || m.locking || m.config.TotalCapital == balance {
		return false
	}
	m.config.TotalCapital = balance
	return true
}

// Validate runs the deferred lock-time checks against the current values.
func (m *Manager) Validate() error {
	m.mu.RLock()
	cfg := m.config.clone()
	m.mu.RUnlock()
	return m.check(cfg)
}

func (m *Manager) check(cfg RiskConfig) error {
	if err := m.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRiskConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRiskConfig, err)
	}
	return nil
}

// Lock freezes the configuration against the connected account in sess.
// A repeated Lock returns the original timestamp without any I/O. The
// manager only flips to locked after the store confirmed the write.
func (m *Manager) Lock(ctx context.Context, sess session.State) (time.Time, error) {
	m.mu.Lock()
	if m.locked {
		at := m.lockedAt
		m.mu.Unlock()
		m.report(OutcomeAlreadyLocked)
		return at, nil
	}
	if m.locking {
		m.mu.Unlock()
		m.report(OutcomeBusy)
		return time.Time{}, ErrLockInProgress
	}
	if !sess.Connected() {
		m.mu.Unlock()
		m.report(OutcomeNotConnected)
		return time.Time{}, ErrNotConnected
	}
	if m.store == nil {
		m.mu.Unlock()
		m.report(OutcomeFailed)
		return time.Time{}, errors.New("risk lock store not configured")
	}

	cfg := m.config.clone()
	cfg.TotalCapital = sess.Account.Balance
	if err := m.check(cfg); err != nil {
		m.mu.Unlock()
		m.report(OutcomeInvalid)
		return time.Time{}, err
	}
	m.locking = true
	m.mu.Unlock()

	acct := sess.Account
	payload := LockPayload{
		LockID: id.New(),
		Config: cfg,
		Snapshot: LockSnapshot{
			Login:      acct.Login,
			Server:     acct.Server,
			Currency:   acct.Currency,
			Balance:    roundCents(acct.Balance),
			Equity:     roundCents(acct.Equity),
			MarginFree: roundCents(acct.MarginFree),
			CapturedAt: m.now().UTC(),
		},
		Source: lockSource,
	}

	receipt, err := m.store.LockRiskConfig(ctx, payload)
	if errors.Is(err, ErrLockExists) {
		return m.adoptExisting(ctx)
	}
	if err != nil {
		m.mu.Lock()
		m.locking = false
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("lock_id", payload.LockID).Msg("persist risk lock failed; config left unlocked")
		m.report(OutcomeFailed)
		return time.Time{}, fmt.Errorf("persist risk lock: %w", err)
	}

	lockedAt := receipt.LockedAt
	if lockedAt.IsZero() {
		lockedAt = payload.Snapshot.CapturedAt
	}

	m.mu.Lock()
	m.locking = false
	m.config = cfg
	m.locked = true
	m.lockedAt = lockedAt
	m.lockID = payload.LockID
	snap := payload.Snapshot
	m.snapshot = &snap
	m.mu.Unlock()

	m.logger.Info().
		Str("lock_id", payload.LockID).
		Str("login", acct.Login).
		Float64("total_capital", cfg.TotalCapital).
		Float64("risk_percentage", cfg.RiskPercentage).
		Msg("risk configuration locked")
	m.report(OutcomeLocked)
	return lockedAt, nil
}

// adoptExisting takes over a lock another session already persisted.
func (m *Manager) adoptExisting(ctx context.Context) (time.Time, error) {
	status, err := m.store.GetRiskLockStatus(ctx)

	m.mu.Lock()
	m.locking = false
	m.mu.Unlock()

	if err != nil || !status.Locked {
		m.report(OutcomeFailed)
		if err == nil {
			err = ErrLockExists
		}
		return time.Time{}, fmt.Errorf("load existing risk lock: %w", err)
	}
	m.Hydrate(status)
	m.report(OutcomeAlreadyLocked)
	return m.State().LockedAt.UTC(), nil
}

// Load reads the persisted lock from the store and applies it.
func (m *Manager) Load(ctx context.Context) (LockStatus, error) {
	if m.store == nil {
		return LockStatus{}, nil
	}
	status, err := m.store.GetRiskLockStatus(ctx)
	if err != nil {
		return LockStatus{}, fmt.Errorf("load risk lock status: %w", err)
	}
	m.Hydrate(status)
	return status, nil
}

// Hydrate applies a persisted lock. An unlocked status changes nothing.
func (m *Manager) Hydrate(status LockStatus) {
	if !status.Locked {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return
	}

	cfg := m.config.clone()
	if status.Extended != nil {
		cfg = status.Extended.clone()
	}
	if status.TotalCapital != 0 {
		cfg.TotalCapital = status.TotalCapital
	}
	if status.RiskPercentage != 0 {
		cfg.RiskPercentage = status.RiskPercentage
	}

	m.config = cfg
	m.locked = true
	m.lockID = status.LockID
	if status.LockedAt != nil {
		m.lockedAt = status.LockedAt.UTC()
	} else {
		m.lockedAt = m.now().UTC()
	}
	if status.Snapshot != nil {
		s := *status.Snapshot
		m.snapshot = &s
	}
}

func (m *Manager) report(outcome string) {
	if m.observe != nil {
		m.observe(outcome)
	}
}

func roundCents(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
