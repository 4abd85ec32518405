// Package session owns the in-memory truth about a user's broker connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingCredentials  = errors.New("login, password and server are required")
	ErrOperationInProgress = errors.New("another session operation is in progress")
)

// Status is the connection state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusError         Status = "error"
)

// AccountType distinguishes demo from real-money accounts.
type AccountType string

const (
	AccountDemo AccountType = "demo"
	AccountReal AccountType = "real"
)

// NormalizeAccountType folds broker and UI spellings onto demo/real.
// Unknown values are treated as real.
func NormalizeAccountType(v string) AccountType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "demo", "paper", "practice":
		return AccountDemo
	default:
		return AccountReal
	}
}

// Credentials is what an explicit connect sends to the broker.
type Credentials struct {
	Login       string
	Password    string
	Server      string
	AccountType AccountType
}

// Validate checks the non-empty preconditions without any I/O.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Login) == "" || c.Password == "" || strings.TrimSpace(c.Server) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// AccountSnapshot is the account as last reported by the broker.
type AccountSnapshot struct {
	Login       string      `json:"login"`
	Server      string      `json:"server"`
	Balance     float64     `json:"balance"`
	Equity      float64     `json:"equity"`
	MarginFree  float64     `json:"margin_free"`
	Currency    string      `json:"currency"`
	AccountType AccountType `json:"account_type"`
	Name        string      `json:"name,omitempty"`
	Leverage    int         `json:"leverage,omitempty"`
	Margin      float64     `json:"margin,omitempty"`
	MarginLevel float64     `json:"margin_level,omitempty"`
}

// StatusProbe is a partial, point-in-time view. Nil or empty fields were
// omitted by the probe and must not overwrite known values.
type StatusProbe struct {
	Connected   bool
	AccountType AccountType
	Login       string
	Server      string
	Currency    string
	Balance     *float64
	Equity      *float64
	MarginFree  *float64
}

// mergeInto overlays the fields the probe actually reported onto base.
func (p StatusProbe) mergeInto(base AccountSnapshot) AccountSnapshot {
	if p.Login != "" {
		base.Login = p.Login
	}
	if p.Server != "" {
		base.Server = p.Server
	}
	if p.Currency != "" {
		base.Currency = p.Currency
	}
	if p.AccountType != "" {
		base.AccountType = p.AccountType
	}
	if p.Balance != nil {
		base.Balance = *p.Balance
	}
	if p.Equity != nil {
		base.Equity = *p.Equity
	}
	if p.MarginFree != nil {
		base.MarginFree = *p.MarginFree
	}
	return base
}

// AutoConnectResult carries the account when the credential-less reconnect worked.
type AutoConnectResult struct {
	Connected bool
	Account   *AccountSnapshot
}

// BrokerAPI is the live broker collaborator, already bound to one user.
type BrokerAPI interface {
	ConnectAccount(ctx context.Context, creds Credentials) (AccountSnapshot, error)
	GetAccountStatus(ctx context.Context) (StatusProbe, error)
	GetAccountDetail(ctx context.Context) (AccountSnapshot, error)
	AutoConnect(ctx context.Context) (AutoConnectResult, error)
	DisconnectAccount(ctx context.Context) error
}

// StoredProfile is a remembered login. It has no password field.
type StoredProfile struct {
	Login       string          `json:"login"`
	Server      string          `json:"server"`
	AccountType AccountType     `json:"account_type"`
	AISettings  json.RawMessage `json:"ai_settings,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ProfileLookup mirrors the store's {exists, profile} answer.
type ProfileLookup struct {
	Exists  bool           `json:"exists"`
	Profile *StoredProfile `json:"profile,omitempty"`
}

// ProfileStore persists remembered logins for one user.
type ProfileStore interface {
	GetStoredProfile(ctx context.Context) (ProfileLookup, error)
	SaveStoredProfile(ctx context.Context, p StoredProfile) error
	DeleteStoredProfile(ctx context.Context) error
}

// Hints are the small client-side conveniences kept next to the session.
type Hints struct {
	Remember      bool   `json:"remember"`
	AutoReconnect bool   `json:"auto_reconnect"`
	LastLogin     string `json:"last_login,omitempty"`
	LastServer    string `json:"last_server,omitempty"`
}

// HintStore is the side-store for Hints, bound to one user.
type HintStore interface {
	LoadHints(ctx context.Context) (Hints, error)
	SaveHints(ctx context.Context, h Hints) error
	ClearHints(ctx context.Context) error
}

// State is a copy of the reconciler's current view.
type State struct {
	Status          Status           `json:"status"`
	AccountType     AccountType      `json:"account_type"`
	Account         *AccountSnapshot `json:"account"`
	LastKnownLogin  string           `json:"last_known_login,omitempty"`
	LastKnownServer string           `json:"last_known_server,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

// Connected reports whether a live account is attached.
func (s State) Connected() bool {
	return s.Status == StatusConnected && s.Account != nil
}

// Listener receives the account after every status transition, or nil when
// no account is attached.
type Listener func(*AccountSnapshot)
