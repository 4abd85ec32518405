package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeoutShort = time.Second
	tick         = 5 * time.Millisecond
)

type fakeBroker struct {
	mu sync.Mutex

	connect    func(Credentials) (AccountSnapshot, error)
	status     func() (StatusProbe, error)
	detail     func() (AccountSnapshot, error)
	auto       func() (AutoConnectResult, error)
	disconnect func() error

	block chan struct{} // when set, ConnectAccount waits on it
	calls map[string]int
}

func (f *fakeBroker) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeBroker) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBroker) ConnectAccount(_ context.Context, c Credentials) (AccountSnapshot, error) {
	f.hit("connect")
	if f.block != nil {
		<-f.block
	}
	if f.connect != nil {
		return f.connect(c)
	}
	return AccountSnapshot{Login: c.Login, Server: c.Server, Balance: 10000, Equity: 10000, MarginFree: 10000, Currency: "USD", AccountType: c.AccountType}, nil
}

func (f *fakeBroker) GetAccountStatus(context.Context) (StatusProbe, error) {
	f.hit("status")
	if f.status != nil {
		return f.status()
	}
	return StatusProbe{}, nil
}

func (f *fakeBroker) GetAccountDetail(context.Context) (AccountSnapshot, error) {
	f.hit("detail")
	if f.detail != nil {
		return f.detail()
	}
	return AccountSnapshot{}, errors.New("not connected")
}

func (f *fakeBroker) AutoConnect(context.Context) (AutoConnectResult, error) {
	f.hit("auto")
	if f.auto != nil {
		return f.auto()
	}
	return AutoConnectResult{}, nil
}

func (f *fakeBroker) DisconnectAccount(context.Context) error {
	f.hit("disconnect")
	if f.disconnect != nil {
		return f.disconnect()
	}
	return nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	saved   []StoredProfile
	saveErr error
	lookup  ProfileLookup
}

func (p *fakeProfiles) GetStoredProfile(context.Context) (ProfileLookup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup, nil
}

func (p *fakeProfiles) SaveStoredProfile(_ context.Context, sp StoredProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, sp)
	return nil
}

func (p *fakeProfiles) DeleteStoredProfile(context.Context) error { return nil }

type memHints struct {
	mu sync.Mutex
	h  Hints
}

func (m *memHints) LoadHints(context.Context) (Hints, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h, nil
}

func (m *memHints) SaveHints(_ context.Context, h Hints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h = h
	return nil
}

func (m *memHints) ClearHints(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h = Hints{}
	return nil
}

type recorder struct {
	mu   sync.Mutex
	seen []*AccountSnapshot
}

func (r *recorder) listen(a *AccountSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, a)
}

func (r *recorder) last() *AccountSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return nil
	}
	return r.seen[len(r.seen)-1]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func demoCreds() Credentials {
	return Credentials{Login: "123", Password: "x", Server: "Broker-Demo", AccountType: AccountDemo}
}

func TestNormalizeAccountType(t *testing.T) {
	cases := map[string]AccountType{
		"demo":     AccountDemo,
		"Paper":    AccountDemo,
		"practice": AccountDemo,
		"live":     AccountReal,
		"real":     AccountReal,
		"":         AccountReal,
		"weird":    AccountReal,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAccountType(in), "input %q", in)
	}
}

func TestConnectRememberSavesPasswordlessProfile(t *testing.T) {
	broker := &fakeBroker{}
	profiles := &fakeProfiles{}
	hints := &memHints{}
	rec := &recorder{}
	r := New(broker, profiles, WithHints(hints))
	r.OnSessionChange(rec.listen)

	snap, err := r.Connect(context.Background(), demoCreds(), true)
	require.NoError(t, err)
	r.Wait()

	st := r.State()
	assert.Equal(t, StatusConnected, st.Status)
	require.NotNil(t, st.Account)
	assert.Equal(t, snap, *st.Account)
	assert.Equal(t, "123", st.LastKnownLogin)

	require.Len(t, profiles.saved, 1)
	assert.Equal(t, "123", profiles.saved[0].Login)
	assert.Equal(t, "Broker-Demo", profiles.saved[0].Server)
	assert.Equal(t, AccountDemo, profiles.saved[0].AccountType)

	h, _ := hints.LoadHints(context.Background())
	assert.True(t, h.Remember)
	assert.Equal(t, "123", h.LastLogin)

	require.NotNil(t, rec.last())
	assert.Equal(t, 10000.0, rec.last().Balance)
}

func TestConnectSurvivesRememberFailure(t *testing.T) {
	profiles := &fakeProfiles{saveErr: errors.New("disk full")}
	r := New(&fakeBroker{}, profiles)

	_, err := r.Connect(context.Background(), demoCreds(), true)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, StatusConnected, r.State().Status)
	assert.Empty(t, profiles.saved)
}

func TestConnectWithoutRememberSkipsProfile(t *testing.T) {
	profiles := &fakeProfiles{}
	r := New(&fakeBroker{}, profiles)

	_, err := r.Connect(context.Background(), demoCreds(), false)
	require.NoError(t, err)
	r.Wait()
	assert.Empty(t, profiles.saved)
}

func TestConnectRejectsEmptyCredentials(t *testing.T) {
	broker := &fakeBroker{}
	r := New(broker, nil)

	for _, c := range []Credentials{
		{Password: "x", Server: "s"},
		{Login: "1", Server: "s"},
		{Login: "1", Password: "x", Server: "  "},
	} {
		_, err := r.Connect(context.Background(), c, false)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	}
	assert.Zero(t, broker.count("connect"))
	assert.Equal(t, StatusIdle, r.State().Status)
}

func TestConnectFailureKeepsPreviousSnapshotForMerge(t *testing.T) {
	broker := &fakeBroker{}
	r := New(broker, nil)

	_, err := r.Connect(context.Background(), demoCreds(), false)
	require.NoError(t, err)

	broker.connect = func(Credentials) (AccountSnapshot, error) {
		return AccountSnapshot{}, errors.New("invalid password")
	}
	_, err = r.Connect(context.Background(), demoCreds(), false)
	require.Error(t, err)

	st := r.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Nil(t, st.Account)
	assert.Contains(t, st.LastError, "invalid password")
	assert.Equal(t, "123", st.LastKnownLogin)

	// A later probe that omits balance merges onto the last good snapshot.
	equity := 12000.0
	broker.status = func() (StatusProbe, error) {
		return StatusProbe{Connected: true, Equity: &equity}, nil
	}
	broker.detail = func() (AccountSnapshot, error) {
		return AccountSnapshot{}, errors.New("terminal busy")
	}
	var merged *AccountSnapshot
	r.OnSessionChange(func(a *AccountSnapshot) {
		if a != nil && merged == nil {
			merged = a
		}
	})
	_, err = r.RefreshStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, 10000.0, merged.Balance)
	assert.Equal(t, 12000.0, merged.Equity)
	assert.Equal(t, "Broker-Demo", merged.Server)
}

func TestRefreshStatusNeverDowngradesConnectedSession(t *testing.T) {
	broker := &fakeBroker{}
	r := New(broker, nil)
	_, err := r.Connect(context.Background(), demoCreds(), false)
	require.NoError(t, err)

	broker.status = func() (StatusProbe, error) { return StatusProbe{Connected: false}, nil }
	st, err := r.RefreshStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, st.Status)
	require.NotNil(t, st.Account)
	assert.Zero(t, broker.count("detail"))

	broker.status = func() (StatusProbe, error) { return StatusProbe{}, errors.New("timeout") }
	st, err = r.RefreshStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusConnected, st.Status)
}

func TestRefreshStatusConnectedLoadsAccount(t *testing.T) {
	broker := &fakeBroker{
		status: func() (StatusProbe, error) {
			return StatusProbe{Connected: true, AccountType: AccountDemo, Login: "77"}, nil
		},
		detail: func() (AccountSnapshot, error) {
			return AccountSnapshot{Login: "77", Server: "S", Balance: 500, Equity: 510, MarginFree: 400, Currency: "EUR"}, nil
		},
	}
	rec := &recorder{}
	r := New(broker, nil)
	r.OnSessionChange(rec.listen)

	st, err := r.RefreshStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, st.Status)
	require.NotNil(t, st.Account)
	assert.Equal(t, 500.0, st.Account.Balance)
	assert.Equal(t, AccountDemo, st.Account.AccountType)
	assert.Equal(t, 1, broker.count("detail"))
	assert.Equal(t, "EUR", rec.last().Currency)
}

func TestLoadAccountFailureClearsSnapshotQuietly(t *testing.T) {
	broker := &fakeBroker{}
	rec := &recorder{}
	r := New(broker, nil)
	_, err := r.Connect(context.Background(), demoCreds(), false)
	require.NoError(t, err)
	r.OnSessionChange(rec.listen)

	require.NoError(t, r.LoadAccount(context.Background()))

	st := r.State()
	assert.Nil(t, st.Account)
	assert.NotEqual(t, StatusConnected, st.Status)
	require.Equal(t, 1, rec.len())
	assert.Nil(t, rec.last())
}

func TestLoadAccountFailureFromIdleStillNotifies(t *testing.T) {
	rec := &recorder{}
	r := New(&fakeBroker{}, nil)
	r.OnSessionChange(rec.listen)

	require.NoError(t, r.LoadAccount(context.Background()))

	assert.Equal(t, StatusIdle, r.State().Status)
	require.Equal(t, 1, rec.len())
	assert.Nil(t, rec.last())
}

func TestConcurrentLoadsDeliverLatestSnapshotLast(t *testing.T) {
	var balance atomic.Int64
	broker := &fakeBroker{
		detail: func() (AccountSnapshot, error) {
			return AccountSnapshot{Login: "123", Server: "Broker-Demo", Balance: float64(balance.Add(1)), Currency: "USD"}, nil
		},
	}
	rec := &recorder{}
	r := New(broker, nil)
	r.OnSessionChange(rec.listen)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.LoadAccount(context.Background())
		}()
	}
	wg.Wait()

	st := r.State()
	require.NotNil(t, st.Account)
	require.NotNil(t, rec.last())
	assert.Equal(t, 20, rec.len())
	assert.Equal(t, st.Account.Balance, rec.last().Balance)
}

func TestAutoReconnect(t *testing.T) {
	t.Run("success behaves like connect", func(t *testing.T) {
		broker := &fakeBroker{auto: func() (AutoConnectResult, error) {
			return AutoConnectResult{Connected: true, Account: &AccountSnapshot{Login: "9", Server: "S", Balance: 42}}, nil
		}}
		profiles := &fakeProfiles{}
		r := New(broker, profiles)

		st, err := r.AutoReconnect(context.Background())
		require.NoError(t, err)
		r.Wait()
		assert.Equal(t, StatusConnected, st.Status)
		assert.Equal(t, 42.0, st.Account.Balance)
		assert.Empty(t, profiles.saved)
	})

	t.Run("not connected goes idle", func(t *testing.T) {
		r := New(&fakeBroker{}, nil)
		st, err := r.AutoReconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, st.Status)
		assert.Nil(t, st.Account)
	})

	t.Run("broker error goes idle not error", func(t *testing.T) {
		broker := &fakeBroker{auto: func() (AutoConnectResult, error) {
			return AutoConnectResult{}, errors.New("no stored credentials")
		}}
		r := New(broker, nil)
		st, err := r.AutoReconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, st.Status)
		assert.Empty(t, st.LastError)
	})
}

func TestDisconnectFromAnyState(t *testing.T) {
	setups := map[string]func(r *Reconciler, b *fakeBroker){
		"idle": func(*Reconciler, *fakeBroker) {},
		"connected": func(r *Reconciler, _ *fakeBroker) {
			_, _ = r.Connect(context.Background(), demoCreds(), false)
		},
		"error": func(r *Reconciler, b *fakeBroker) {
			b.connect = func(Credentials) (AccountSnapshot, error) { return AccountSnapshot{}, errors.New("boom") }
			_, _ = r.Connect(context.Background(), demoCreds(), false)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			broker := &fakeBroker{disconnect: func() error { return errors.New("terminal gone") }}
			hints := &memHints{h: Hints{Remember: true, AutoReconnect: true, LastLogin: "123"}}
			rec := &recorder{}
			r := New(broker, nil, WithHints(hints))
			setup(r, broker)
			r.OnSessionChange(rec.listen)

			require.NoError(t, r.Disconnect(context.Background()))

			st := r.State()
			assert.Equal(t, StatusIdle, st.Status)
			assert.Nil(t, st.Account)
			require.NotZero(t, rec.len())
			assert.Nil(t, rec.last())

			h, _ := hints.LoadHints(context.Background())
			assert.Equal(t, Hints{}, h)
		})
	}
}

func TestOverlappingMutationsAreRejected(t *testing.T) {
	broker := &fakeBroker{block: make(chan struct{})}
	r := New(broker, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Connect(context.Background(), demoCreds(), false)
		done <- err
	}()

	require.Eventually(t, func() bool { return broker.count("connect") == 1 }, timeoutShort, tick)

	_, err := r.Connect(context.Background(), demoCreds(), false)
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.ErrorIs(t, r.Disconnect(context.Background()), ErrOperationInProgress)
	_, err = r.AutoReconnect(context.Background())
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = r.RefreshStatus(context.Background())
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.ErrorIs(t, r.LoadAccount(context.Background()), ErrOperationInProgress)

	close(broker.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, broker.count("connect"))
	assert.Equal(t, StatusConnected, r.State().Status)
}

func TestHydrateSeedsLastKnownIdentifiers(t *testing.T) {
	profiles := &fakeProfiles{lookup: ProfileLookup{Exists: true, Profile: &StoredProfile{Login: "555", Server: "P-Server", AccountType: AccountDemo}}}
	hints := &memHints{h: Hints{AutoReconnect: true, LastServer: "H-Server"}}
	r := New(&fakeBroker{}, profiles, WithHints(hints))

	h, p, err := r.Hydrate(context.Background())
	require.NoError(t, err)
	assert.True(t, h.AutoReconnect)
	require.NotNil(t, p)

	st := r.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, "555", st.LastKnownLogin)
	assert.Equal(t, "H-Server", st.LastKnownServer)
	assert.Equal(t, AccountDemo, st.AccountType)
}

func TestTransitionObserverSeesEveryStatusChange(t *testing.T) {
	var seen []Status
	r := New(&fakeBroker{}, nil, WithTransitionObserver(func(_, to Status) { seen = append(seen, to) }))

	_, err := r.Connect(context.Background(), demoCreds(), false)
	require.NoError(t, err)
	require.NoError(t, r.Disconnect(context.Background()))

	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnecting, StatusIdle}, seen)
}
