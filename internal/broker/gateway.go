package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"tradedesk/internal/session"
	"tradedesk/pkg/crypto"
)

// RetryPolicy bounds the account reads that follow a terminal call.
type RetryPolicy struct {
	ConnectAttempts int
	ConnectInterval time.Duration
	ReadAttempts    int
	ReadInterval    time.Duration
}

// DefaultRetryPolicy waits up to five times 200ms for the account after a
// login and retries plain reads once after 150ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ConnectAttempts: 5,
		ConnectInterval: 200 * time.Millisecond,
		ReadAttempts:    2,
		ReadInterval:    150 * time.Millisecond,
	}
}

type sealedLogin struct {
	login    int64
	server   string
	password string // ENC[vN]:... bound to the user id
}

// Gateway is one user's broker collaborator. It implements session.BrokerAPI.
type Gateway struct {
	userID string
	term   Terminal
	keys   *crypto.KeyManager
	policy RetryPolicy
	logger zerolog.Logger

	mu     sync.Mutex
	cached *sealedLogin
}

var _ session.BrokerAPI = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithKeys enables the sealed credential cache used by AutoConnect.
func WithKeys(km *crypto.KeyManager) Option {
	return func(g *Gateway) { g.keys = km }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *Gateway) { g.policy = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway wraps a terminal for one user.
func NewGateway(userID string, term Terminal, opts ...Option) *Gateway {
	g := &Gateway{
		userID: userID,
		term:   term,
		policy: DefaultRetryPolicy(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("user_id", userID).Logger()
	return g
}

// ConnectAccount logs in and waits for the terminal to report the account.
func (g *Gateway) ConnectAccount(ctx context.Context, creds session.Credentials) (session.AccountSnapshot, error) {
	login, err := parseLogin(creds.Login)
	if err != nil {
		return session.AccountSnapshot{}, err
	}
	if err := g.term.Login(ctx, login, creds.Password, creds.Server); err != nil {
		return session.AccountSnapshot{}, classify(err)
	}

	info, err := retry(ctx, g.policy.ConnectAttempts, g.policy.ConnectInterval, g.term.Account)
	if err != nil {
		g.logger.Warn().Err(err).Int64("login", login).Msg("account info unavailable after login")
		return session.AccountSnapshot{}, fmt.Errorf("%w: account info unavailable: %v", ErrTerminalUnavailable, err)
	}

	g.remember(login, creds.Password, creds.Server)

	snap := info.Snapshot()
	if info.TradeMode == "" && creds.AccountType != "" {
		snap.AccountType = creds.AccountType
	}
	return snap, nil
}

// GetAccountStatus is the cheap probe. It reports only what the terminal
// status call carries; balances are left for GetAccountDetail.
func (g *Gateway) GetAccountStatus(ctx context.Context) (session.StatusProbe, error) {
	st, err := retry(ctx, g.policy.ReadAttempts, g.policy.ReadInterval, g.term.Status)
	if err != nil {
		return session.StatusProbe{}, classify(err)
	}
	if !st.Connected {
		return session.StatusProbe{}, nil
	}
	probe := session.StatusProbe{Connected: true, Server: st.Server}
	if st.Login > 0 {
		probe.Login = strconv.FormatInt(st.Login, 10)
	}
	if st.TradeMode != "" {
		probe.AccountType = session.NormalizeAccountType(st.TradeMode)
	}
	return probe, nil
}

func (g *Gateway) GetAccountDetail(ctx context.Context) (session.AccountSnapshot, error) {
	info, err := retry(ctx, g.policy.ReadAttempts, g.policy.ReadInterval, g.term.Account)
	if err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			return session.AccountSnapshot{}, err
		}
		return session.AccountSnapshot{}, classify(err)
	}
	return info.Snapshot(), nil
}

// AutoConnect reattaches without a password. The terminal's own memory is
// tried first, then the sealed credential cache. Nothing to reattach is not
// an error: the result simply reports Connected false.
func (g *Gateway) AutoConnect(ctx context.Context) (session.AutoConnectResult, error) {
	err := g.term.Reconnect(ctx)
	if errors.Is(err, ErrNotLoggedIn) {
		err = g.loginFromCache(ctx)
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return session.AutoConnectResult{}, nil
	}
	if err != nil {
		return session.AutoConnectResult{}, classify(err)
	}

	info, err := retry(ctx, g.policy.ConnectAttempts, g.policy.ConnectInterval, g.term.Account)
	if err != nil {
		return session.AutoConnectResult{}, classify(err)
	}
	snap := info.Snapshot()
	return session.AutoConnectResult{Connected: true, Account: &snap}, nil
}

// DisconnectAccount logs out and forgets the cached credentials.
func (g *Gateway) DisconnectAccount(ctx context.Context) error {
	g.forget()
	if err := g.term.Logout(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks the terminal is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.term.Ping(ctx)
}

func (g *Gateway) Close() error {
	g.forget()
	if c, ok := g.term.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// HasCachedLogin reports whether AutoConnect can fall back to a sealed login.
func (g *Gateway) HasCachedLogin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cached != nil
}

func (g *Gateway) remember(login int64, password, server string) {
	if g.keys == nil {
		return
	}
	sealed, err := g.keys.Seal(password, g.userID)
	if err != nil {
		g.logger.Warn().Err(err).Msg("credential cache disabled for this login")
		return
	}
	g.mu.Lock()
	g.cached = &sealedLogin{login: login, server: server, password: sealed}
	g.mu.Unlock()
}

func (g *Gateway) forget() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

func (g *Gateway) loginFromCache(ctx context.Context) error {
	g.mu.Lock()
	cached := g.cached
	g.mu.Unlock()
	if cached == nil || g.keys == nil {
		return ErrNotLoggedIn
	}

	password, err := g.keys.Open(cached.password, g.userID)
	if err != nil {
		g.logger.Warn().Err(err).Msg("sealed credentials unreadable; dropping cache")
		g.forget()
		return ErrNotLoggedIn
	}

	err = g.term.Login(ctx, cached.login, password, cached.server)
	if errors.Is(err, ErrInvalidCredentials) {
		g.forget()
		return ErrNotLoggedIn
	}
	return err
}

func parseLogin(s string) (int64, error) {
	login, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || login <= 0 {
		return 0, fmt.Errorf("%w: login must be a positive number", ErrInvalidCredentials)
	}
	return login, nil
}

// classify keeps known sentinels and folds anything else into
// ErrTerminalUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrTerminalUnavailable) ||
		errors.Is(err, ErrNotLoggedIn) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
}

// retry runs op up to attempts times at a constant interval. Rejected
// credentials stop the loop immediately.
func retry[T any](ctx context.Context, attempts int, every time.Duration, op func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(every), uint64(attempts-1)),
		ctx,
	)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op(ctx)
		if errors.Is(err, ErrInvalidCredentials) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}
