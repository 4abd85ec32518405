package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rememberTimeout bounds the detached remember-me write.
const rememberTimeout = 10 * time.Second

// Reconciler merges explicit connect/disconnect actions, status probes and
// auto-reconnect attempts into one BrokerSession.
//
// Connection mutations (Connect, AutoReconnect, Disconnect) are exclusive.
// Probes (RefreshStatus, LoadAccount) may overlap each other but never a
// mutation. Overlapping requests are rejected with ErrOperationInProgress.
type Reconciler struct {
	broker   BrokerAPI
	profiles ProfileStore
	hints    HintStore
	logger   zerolog.Logger
	observe  func(from, to Status)

	// notifyMu is taken before mu and held through delivery, so listeners
	// see transitions in the order they were applied.
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	lastAccount *AccountSnapshot
	mutating    bool
	readers     int
	listeners   []Listener

	bg sync.WaitGroup
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithHints attaches the remember/auto-reconnect side-store.
func WithHints(h HintStore) Option {
	return func(r *Reconciler) { r.hints = h }
}

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = l.With().Str("component", "session").Logger() }
}

// WithTransitionObserver is called on every status change, e.g. for metrics.
func WithTransitionObserver(fn func(from, to Status)) Option {
	return func(r *Reconciler) { r.observe = fn }
}

// New creates a Reconciler in the idle state.
func New(broker BrokerAPI, profiles ProfileStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		broker:   broker,
		profiles: profiles,
		logger:   zerolog.Nop(),
		state: State{
			Status:      StatusIdle,
			AccountType: AccountReal,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnSessionChange registers a listener fired after every status transition.
func (r *Reconciler) OnSessionChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// State returns a copy of the current session.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyStateLocked()
}

// Wait blocks until background remember writes have finished.
func (r *Reconciler) Wait() {
	r.bg.Wait()
}

// Connect logs in with explicit credentials. When remember is set, a
// password-less profile and the remember hints are written in the background;
// a failure there never undoes the connection.
func (r *Reconciler) Connect(ctx context.Context, creds Credentials, remember bool) (AccountSnapshot, error) {
	creds.Login = strings.TrimSpace(creds.Login)
	creds.Server = strings.TrimSpace(creds.Server)
	if creds.AccountType == "" {
		creds.AccountType = AccountReal
	}
	if err := creds.Validate(); err != nil {
		return AccountSnapshot{}, err
	}
	if err := r.beginMutation(); err != nil {
		return AccountSnapshot{}, err
	}
	defer r.endMutation()

	r.transition(func(s *State) {
		s.Status = StatusConnecting
		s.AccountType = creds.AccountType
		s.Account = nil
		s.LastError = ""
	})

	snap, err := r.broker.ConnectAccount(ctx, creds)
	if err != nil {
		r.logger.Warn().Err(err).Str("login", creds.Login).Str("server", creds.Server).Msg("broker connect failed")
		r.transition(func(s *State) {
			s.Status = StatusError
			s.LastError = err.Error()
		})
		return AccountSnapshot{}, fmt.Errorf("connect %s@%s: %w", creds.Login, creds.Server, err)
	}

	if snap.Login == "" {
		snap.Login = creds.Login
	}
	if snap.Server == "" {
		snap.Server = creds.Server
	}
	if snap.AccountType == "" {
		snap.AccountType = creds.AccountType
	}
	r.attach(snap)
	r.logger.Info().Str("login", snap.Login).Str("server", snap.Server).Str("account_type", string(snap.AccountType)).Msg("broker session connected")

	if remember {
		r.rememberAsync(ctx, StoredProfile{
			Login:       snap.Login,
			Server:      snap.Server,
			AccountType: snap.AccountType,
		})
	}
	return snap, nil
}

// RefreshStatus probes the broker. A connected answer is merged into the
// current snapshot and followed by a full account load. A disconnected answer
// never downgrades local state; only Disconnect does that.
func (r *Reconciler) RefreshStatus(ctx context.Context) (State, error) {
	if err := r.beginRead(); err != nil {
		return r.State(), err
	}
	defer r.endRead()

	probe, err := r.broker.GetAccountStatus(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("status probe failed")
		return r.State(), fmt.Errorf("status probe: %w", err)
	}

	if !probe.Connected {
		r.logger.Debug().Str("status", string(r.State().Status)).Msg("probe reports disconnected; keeping local state")
		return r.State(), nil
	}

	r.transition(func(s *State) {
		base := AccountSnapshot{AccountType: s.AccountType}
		if s.Account != nil {
			base = *s.Account
		} else if r.lastAccount != nil {
			base = *r.lastAccount
		}
		merged := probe.mergeInto(base)
		if merged.AccountType == "" {
			merged.AccountType = s.AccountType
		}
		s.Status = StatusConnected
		s.AccountType = merged.AccountType
		s.Account = &merged
		s.LastError = ""
		if merged.Login != "" {
			s.LastKnownLogin = merged.Login
		}
		if merged.Server != "" {
			s.LastKnownServer = merged.Server
		}
		r.lastAccount = cloneAccount(&merged)
	})

	r.loadAccount(ctx)
	return r.State(), nil
}

// LoadAccount fetches full account detail. Broker failures clear the snapshot
// and are only logged; the returned error is reserved for overlap rejection.
func (r *Reconciler) LoadAccount(ctx context.Context) error {
	if err := r.beginRead(); err != nil {
		return err
	}
	defer r.endRead()

	r.loadAccount(ctx)
	return nil
}

func (r *Reconciler) loadAccount(ctx context.Context) {
	snap, err := r.broker.GetAccountDetail(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("account detail unavailable; clearing snapshot")
		// Consumers hear the nil even when there was nothing to clear.
		r.apply(true, func(s *State) {
			s.Account = nil
			if s.Status == StatusConnected {
				s.Status = StatusIdle
			}
		})
		return
	}

	r.mu.Lock()
	if snap.AccountType == "" {
		snap.AccountType = r.state.AccountType
	}
	r.mu.Unlock()
	r.attach(snap)
}

// AutoReconnect tries the broker's remembered credentials. Failure is an
// expected outcome and leaves the session idle rather than in error.
func (r *Reconciler) AutoReconnect(ctx context.Context) (State, error) {
	if err := r.beginMutation(); err != nil {
		return r.State(), err
	}
	defer r.endMutation()

	r.transition(func(s *State) {
		s.Status = StatusConnecting
		s.Account = nil
		s.LastError = ""
	})

	res, err := r.broker.AutoConnect(ctx)
	if err != nil || !res.Connected || res.Account == nil {
		ev := r.logger.Info()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("auto-reconnect unavailable")
		r.transition(func(s *State) {
			s.Status = StatusIdle
			s.Account = nil
		})
		return r.State(), nil
	}

	snap := *res.Account
	if snap.AccountType == "" {
		snap.AccountType = r.State().AccountType
	}
	r.attach(snap)
	r.logger.Info().Str("login", snap.Login).Str("server", snap.Server).Msg("broker session auto-reconnected")
	return r.State(), nil
}

// Disconnect always ends idle with no account, clears the hints and notifies
// listeners, whatever the prior state or the broker's answer.
func (r *Reconciler) Disconnect(ctx context.Context) error {
	if err := r.beginMutation(); err != nil {
		return err
	}
	defer r.endMutation()

	r.transition(func(s *State) {
		s.Status = StatusDisconnecting
		s.Account = nil
	})

	if err := r.broker.DisconnectAccount(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("broker disconnect failed; clearing local session anyway")
	}
	if r.hints != nil {
		if err := r.hints.ClearHints(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("clear session hints failed")
		}
	}

	r.transition(func(s *State) {
		s.Status = StatusIdle
		s.Account = nil
		s.LastError = ""
		r.lastAccount = nil
	})
	r.logger.Info().Msg("broker session disconnected")
	return nil
}

// Hydrate seeds the last-known identifiers from the hints and stored profile.
// It never changes the connection status.
func (r *Reconciler) Hydrate(ctx context.Context) (Hints, *StoredProfile, error) {
	if err := r.beginRead(); err != nil {
		return Hints{}, nil, err
	}
	defer r.endRead()

	var hints Hints
	if r.hints != nil {
		h, err := r.hints.LoadHints(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("load session hints failed")
		} else {
			hints = h
		}
	}

	var profile *StoredProfile
	if r.profiles != nil {
		lookup, err := r.profiles.GetStoredProfile(ctx)
		if err != nil {
			return hints, nil, fmt.Errorf("load stored profile: %w", err)
		}
		if lookup.Exists {
			profile = lookup.Profile
		}
	}

	r.mu.Lock()
	if hints.LastLogin != "" {
		r.state.LastKnownLogin = hints.LastLogin
	}
	if hints.LastServer != "" {
		r.state.LastKnownServer = hints.LastServer
	}
	if profile != nil {
		if r.state.LastKnownLogin == "" {
			r.state.LastKnownLogin = profile.Login
		}
		if r.state.LastKnownServer == "" {
			r.state.LastKnownServer = profile.Server
		}
		if r.state.Status != StatusConnected && profile.AccountType != "" {
			r.state.AccountType = profile.AccountType
		}
	}
	r.mu.Unlock()

	return hints, profile, nil
}

// attach records a good snapshot and moves to connected.
func (r *Reconciler) attach(snap AccountSnapshot) {
	r.transition(func(s *State) {
		s.Status = StatusConnected
		s.AccountType = snap.AccountType
		s.Account = &snap
		s.LastError = ""
		s.LastKnownLogin = snap.Login
		s.LastKnownServer = snap.Server
		r.lastAccount = cloneAccount(&snap)
	})
}

func (r *Reconciler) rememberAsync(ctx context.Context, profile StoredProfile) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rememberTimeout)
		defer cancel()

		profile.UpdatedAt = time.Now().UTC()
		if r.profiles != nil {
			if err := r.profiles.SaveStoredProfile(bgCtx, profile); err != nil {
				r.logger.Warn().Err(err).Str("login", profile.Login).Msg("remember profile failed; connection kept")
			}
		}
		if r.hints != nil {
			h, err := r.hints.LoadHints(bgCtx)
			if err != nil {
				h = Hints{}
			}
			h.Remember = true
			h.LastLogin = profile.Login
			h.LastServer = profile.Server
			if err := r.hints.SaveHints(bgCtx, h); err != nil {
				r.logger.Warn().Err(err).Msg("save remember hints failed")
			}
		}
	}()
}

// transition applies fn under the lock and, if the status or the attached
// account changed, notifies listeners outside of it.
func (r *Reconciler) transition(fn func(s *State)) {
	r.apply(false, fn)
}

// apply is transition with an option to notify even when nothing changed.
func (r *Reconciler) apply(always bool, fn func(s *State)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	from := r.state.Status
	prevAccount := r.state.Account
	fn(&r.state)
	to := r.state.Status
	changed := from != to || prevAccount != r.state.Account
	account := cloneAccount(r.state.Account)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	if !changed && !always {
		return
	}
	if from != to && r.observe != nil {
		r.observe(from, to)
	}
	for _, l := range listeners {
		l(cloneAccount(account))
	}
}

func (r *Reconciler) beginMutation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutating || r.readers > 0 {
		return ErrOperationInProgress
	}
	r.mutating = true
	return nil
}

func (r *Reconciler) endMutation() {
	r.mu.Lock()
	r.mutating = false
	r.mu.Unlock()
}

func (r *Reconciler) beginRead() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutating {
		return ErrOperationInProgress
	}
	r.readers++
	return nil
}

func (r *Reconciler) endRead() {
	r.mu.Lock()
	r.readers--
	r.mu.Unlock()
}

func (r *Reconciler) copyStateLocked() State {
	s := r.state
	s.Account = cloneAccount(r.state.Account)
	return s
}

func cloneAccount(a *AccountSnapshot) *AccountSnapshot {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
