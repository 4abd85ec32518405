package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradedesk/internal/session"
)

type fakeLockStore struct {
	mu       sync.Mutex
	calls    int
	payloads []LockPayload
	err      error
	lockedAt time.Time
	status   LockStatus
	release  chan struct{}
}

func (f *fakeLockStore) LockRiskConfig(ctx context.Context, p LockPayload) (LockReceipt, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return LockReceipt{}, f.err
	}
	return LockReceipt{LockedAt: f.lockedAt, TotalCapital: p.Config.TotalCapital, RiskPercentage: p.Config.RiskPercentage}, nil
}

func (f *fakeLockStore) GetRiskLockStatus(ctx context.Context) (LockStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLockStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func connectedState(balance float64) session.State {
	return session.State{
		Status:      session.StatusConnected,
		AccountType: session.AccountDemo,
		Account: &session.AccountSnapshot{
			Login:      "123",
			Server:     "Broker-Demo",
			Balance:    balance,
			Equity:     balance + 12.5,
			MarginFree: balance - 100,
			Currency:   "USD",
		},
	}
}

// Edits before locking are applied exactly in order, last write wins.
func TestUpdateFieldLastWriteWins(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())

	edits := []struct {
		name  string
		value any
	}{
		{"riskPercentage", 2.0},
		{"maxDailyLossPercent", 4},
		{"max_daily_loss_percent", 2.5},
		{"maxOpenTrades", 5.0},
		{"riskPercentage", 3},
		{"coolDownHours", 24},
		{"minRewardRiskRatio", 1.5},
	}
	for _, e := range edits {
		if err := mgr.UpdateField(e.name, e.value); err != nil {
			t.Fatalf("UpdateField(%s): %v", e.name, err)
		}
	}

	cfg := mgr.State().Config
	if cfg.RiskPercentage != 3 || cfg.MaxDailyLossPercent != 2.5 || cfg.MaxOpenTrades != 5 ||
		cfg.CoolDownHours != 24 || cfg.MinRewardRiskRatio != 1.5 {
		t.Fatalf("unexpected config after edits: %+v", cfg)
	}
	if cfg.MaxWeeklyLossPercent != 6 {
		t.Fatalf("untouched field changed: %+v", cfg)
	}
}

func TestUpdateFieldRejections(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())

	tests := []struct {
		name  string
		field string
		value any
		want  error
	}{
		{"capital mirrors balance", "totalCapital", 5000.0, ErrFieldNotEditable},
		{"unknown", "leverage", 10.0, ErrUnknownField},
		{"string value", "riskPercentage", "two", ErrInvalidFieldValue},
		{"fractional count", "maxOpenTrades", 2.5, ErrInvalidFieldValue},
		{"bad table", "riskByStrategy", 42, ErrInvalidFieldValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mgr.UpdateField(tt.field, tt.value); !errors.Is(err, tt.want) {
				t.Fatalf("UpdateField(%s) = %v, want %v", tt.field, err, tt.want)
			}
		})
	}
	if got := mgr.State().Config; got.RiskPercentage != 1 || got.MaxOpenTrades != 3 {
		t.Fatalf("rejected edits changed config: %+v", got)
	}
}

func TestUpdateStrategyTable(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())
	table := map[string]any{
		"hedging": map[string]any{"risk_percent": 0.5, "max_trades": 2},
	}
	if err := mgr.UpdateField("riskByStrategy", table); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	got := mgr.State().Config.RiskByStrategy["hedging"]
	if got.RiskPercent != 0.5 || got.MaxTrades != 2 {
		t.Fatalf("risk_by_strategy = %+v", got)
	}
}

func TestLockRequiresConnection(t *testing.T) {
	store := &fakeLockStore{}
	mgr := NewManager(store, DefaultConfig())

	for _, st := range []session.State{
		{Status: session.StatusIdle},
		{Status: session.StatusError, LastError: "timeout"},
		{Status: session.StatusConnecting},
	} {
		if _, err := mgr.Lock(context.Background(), st); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Lock(%s) = %v, want ErrNotConnected", st.Status, err)
		}
	}
	if store.callCount() != 0 {
		t.Fatalf("store called %d times for rejected locks", store.callCount())
	}
	if mgr.IsLocked() {
		t.Fatal("manager locked without a connection")
	}
}

func TestLockValidatesDeferredConstraints(t *testing.T) {
	store := &fakeLockStore{}
	mgr := NewManager(store, DefaultConfig())

	if err := mgr.UpdateField("riskPercentage", 7); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	if err := mgr.UpdateField("maxWeeklyLossPercent", 1); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	_, err := mgr.Lock(context.Background(), connectedState(10000))
	if !errors.Is(err, ErrInvalidRiskConfig) {
		t.Fatalf("Lock = %v, want ErrInvalidRiskConfig", err)
	}
	if store.callCount() != 0 {
		t.Fatal("invalid config reached the store")
	}
}

func TestLockIsIdempotentAndFreezesConfig(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := &fakeLockStore{lockedAt: at}
	var outcomes []string
	mgr := NewManager(store, DefaultConfig(), WithLockObserver(func(o string) { outcomes = append(outcomes, o) }))
	mgr.SyncCapital(10000)
	if err := mgr.UpdateField("riskPercentage", 2); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}

	first, err := mgr.Lock(context.Background(), connectedState(10250.5))
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !first.Equal(at) {
		t.Fatalf("lockedAt = %v, want %v", first, at)
	}

	// A second lock is a no-op, even without a connection.
	second, err := mgr.Lock(context.Background(), session.State{Status: session.StatusIdle})
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if !second.Equal(first) {
		t.Fatalf("second lockedAt = %v, want %v", second, first)
	}
	if store.callCount() != 1 {
		t.Fatalf("store called %d times, want 1", store.callCount())
	}

	p := store.payloads[0]
	if p.Config.TotalCapital != 10250.5 || p.Snapshot.Login != "123" || p.Snapshot.Equity != 10263 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.LockID == "" {
		t.Fatal("payload missing lock id")
	}

	before := mgr.State().Config
	for _, field := range []string{"riskPercentage", "maxOpenTrades", "coolDownHours"} {
		if err := mgr.UpdateField(field, 1); !errors.Is(err, ErrConfigLocked) {
			t.Fatalf("UpdateField(%s) after lock = %v, want ErrConfigLocked", field, err)
		}
	}
	if mgr.SyncCapital(1) {
		t.Fatal("SyncCapital changed a locked config")
	}
	after := mgr.State().Config
	if after.RiskPercentage != before.RiskPercentage || after.TotalCapital != before.TotalCapital ||
		after.MaxOpenTrades != before.MaxOpenTrades {
		t.Fatalf("locked config changed: before %+v after %+v", before, after)
	}
	if got := mgr.MaxRiskAmount().StringFixed(2); got != "205.01" {
		t.Fatalf("MaxRiskAmount = %s, want 205.01", got)
	}
	if len(outcomes) != 2 || outcomes[0] != OutcomeLocked || outcomes[1] != OutcomeAlreadyLocked {
		t.Fatalf("outcomes = %v", outcomes)
	}
}

func TestLockPersistFailureLeavesUnlocked(t *testing.T) {
	store := &fakeLockStore{err: errors.New("database is locked")}
	mgr := NewManager(store, DefaultConfig())

	if _, err := mgr.Lock(context.Background(), connectedState(5000)); err == nil {
		t.Fatal("expected persist error")
	}
	st := mgr.State()
	if st.IsLocked || st.LockedAt != nil {
		t.Fatalf("manager locked after failed persist: %+v", st)
	}
	if err := mgr.UpdateField("riskPercentage", 2); err != nil {
		t.Fatalf("config should stay editable: %v", err)
	}

	// Retry succeeds once the store recovers.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	if _, err := mgr.Lock(context.Background(), connectedState(5000)); err != nil {
		t.Fatalf("retry Lock: %v", err)
	}
	if !mgr.IsLocked() {
		t.Fatal("expected locked after retry")
	}
}

func TestLockInProgressRejectsEditsAndSecondLock(t *testing.T) {
	store := &fakeLockStore{release: make(chan struct{})}
	mgr := NewManager(store, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Lock(context.Background(), connectedState(8000))
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mgr.mu.RLock()
		busy := mgr.locking
		mgr.mu.RUnlock()
		if busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := mgr.UpdateField("riskPercentage", 2); !errors.Is(err, ErrLockInProgress) {
		t.Fatalf("UpdateField during lock = %v, want ErrLockInProgress", err)
	}
	if _, err := mgr.Lock(context.Background(), connectedState(8000)); !errors.Is(err, ErrLockInProgress) {
		t.Fatalf("second Lock = %v, want ErrLockInProgress", err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mgr.IsLocked() {
		t.Fatal("expected locked")
	}
}

func TestLockAdoptsLockPersistedElsewhere(t *testing.T) {
	at := time.Date(2026, 1, 5, 8, 30, 0, 0, time.UTC)
	ext := DefaultConfig()
	ext.RiskPercentage = 3
	store := &fakeLockStore{
		err: ErrLockExists,
		status: LockStatus{
			Locked: true, LockID: "01J0000000000000000000000", LockedAt: &at,
			TotalCapital: 7777, RiskPercentage: 3, Extended: &ext,
		},
	}
	mgr := NewManager(store, DefaultConfig())

	got, err := mgr.Lock(context.Background(), connectedState(9000))
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("lockedAt = %v, want %v", got, at)
	}
	if cfg := mgr.State().Config; cfg.TotalCapital != 7777 || cfg.RiskPercentage != 3 {
		t.Fatalf("config not adopted: %+v", cfg)
	}
}

func TestLoadHydratesPersistedLock(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeLockStore{status: LockStatus{Locked: true, LockedAt: &at, TotalCapital: 2500, RiskPercentage: 2}}
	mgr := NewManager(store, DefaultConfig())

	if _, err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := mgr.State()
	if !st.IsLocked || !st.LockedAt.Equal(at) || st.Config.TotalCapital != 2500 {
		t.Fatalf("unexpected state after Load: %+v", st)
	}
	if st.MaxRiskAmount != "50.00" {
		t.Fatalf("MaxRiskAmount = %s", st.MaxRiskAmount)
	}
}

func TestSyncCapitalBeforeLock(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())
	if !mgr.SyncCapital(1200) {
		t.Fatal("expected capital change")
	}
	if mgr.SyncCapital(1200) {
		t.Fatal("same balance reported as a change")
	}
	if got := mgr.State().Config.TotalCapital; got != 1200 {
		t.Fatalf("TotalCapital = %v", got)
	}
}
