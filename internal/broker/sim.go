package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SimConfig seeds the accounts a simulated terminal hands out.
type SimConfig struct {
	Balance  float64
	Currency string
	Leverage int
	// Accounts restricts logins to known ones when non-empty.
	Accounts map[int64]SimAccount
}

// SimAccount is a pre-registered simulated login.
type SimAccount struct {
	Password  string
	Server    string
	Name      string
	TradeMode string
	Balance   float64
}

// SimTerminal is an in-process terminal used in development and tests.
type SimTerminal struct {
	cfg SimConfig

	mu         sync.Mutex
	attached   *AccountInfo
	remembered *AccountInfo
	down       bool
}

// NewSimTerminal creates a terminal with no account attached.
func NewSimTerminal(cfg SimConfig) *SimTerminal {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 100
	}
	return &SimTerminal{cfg: cfg}
}

// SetDown makes every call fail with ErrTerminalUnavailable.
func (t *SimTerminal) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

// SetBalance moves the attached account's balance and equity.
func (t *SimTerminal) SetBalance(balance float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached != nil {
		t.attached.Balance = balance
		t.attached.Equity = balance
		t.attached.MarginFree = balance - t.attached.Margin
	}
}

func (t *SimTerminal) Login(ctx context.Context, login int64, password, server string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrTerminalUnavailable
	}
	if login <= 0 || password == "" || strings.TrimSpace(server) == "" {
		return ErrInvalidCredentials
	}

	info := AccountInfo{
		Login:     login,
		Name:      fmt.Sprintf("Sim %d", login),
		Server:    server,
		Currency:  t.cfg.Currency,
		Leverage:  t.cfg.Leverage,
		Balance:   t.cfg.Balance,
		TradeMode: tradeModeFor(server),
	}
	if len(t.cfg.Accounts) > 0 {
		acc, ok := t.cfg.Accounts[login]
		if !ok || acc.Password != password || !strings.EqualFold(acc.Server, server) {
			return ErrInvalidCredentials
		}
		if acc.Name != "" {
			info.Name = acc.Name
		}
		if acc.TradeMode != "" {
			info.TradeMode = acc.TradeMode
		}
		if acc.Balance > 0 {
			info.Balance = acc.Balance
		}
	}
	info.Equity = info.Balance
	info.MarginFree = info.Balance

	t.attached = &info
	remembered := info
	t.remembered = &remembered
	return nil
}

func (t *SimTerminal) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrTerminalUnavailable
	}
	if t.attached != nil {
		return nil
	}
	if t.remembered == nil {
		return ErrNotLoggedIn
	}
	info := *t.remembered
	t.attached = &info
	return nil
}

func (t *SimTerminal) Status(ctx context.Context) (TerminalStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return TerminalStatus{}, ErrTerminalUnavailable
	}
	if t.attached == nil {
		return TerminalStatus{}, nil
	}
	return TerminalStatus{
		Connected: true,
		Login:     t.attached.Login,
		Server:    t.attached.Server,
		TradeMode: t.attached.TradeMode,
	}, nil
}

func (t *SimTerminal) Account(ctx context.Context) (AccountInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return AccountInfo{}, ErrTerminalUnavailable
	}
	if t.attached == nil {
		return AccountInfo{}, ErrNotLoggedIn
	}
	return *t.attached, nil
}

// Logout detaches the account. The terminal still remembers it for Reconnect.
func (t *SimTerminal) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrTerminalUnavailable
	}
	t.attached = nil
	return nil
}

func (t *SimTerminal) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrTerminalUnavailable
	}
	return nil
}

// tradeModeFor guesses the account kind from the server name the way broker
// servers are usually labelled.
func tradeModeFor(server string) string {
	if strings.Contains(strings.ToLower(server), "demo") {
		return "demo"
	}
	return "real"
}

// SimFactory keeps one SimTerminal per user so a recycled gateway finds the
// same terminal state.
type SimFactory struct {
	cfg       SimConfig
	mu        sync.Mutex
	terminals map[string]*SimTerminal
}

func NewSimFactory(cfg SimConfig) *SimFactory {
	return &SimFactory{cfg: cfg, terminals: make(map[string]*SimTerminal)}
}

// Terminal returns the user's simulated terminal, creating it on first use.
func (f *SimFactory) Terminal(userID string) (Terminal, error) {
	return f.terminal(userID), nil
}

func (f *SimFactory) terminal(userID string) *SimTerminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.terminals[userID]
	if !ok {
		t = NewSimTerminal(f.cfg)
		f.terminals[userID] = t
	}
	return t
}
