// Package broker talks to the trading terminal on behalf of each user. A
// Terminal is the raw terminal session; a Gateway layers retries and the
// credential cache on top and satisfies session.BrokerAPI; the Pool keeps one
// Gateway per user.
package broker

import (
	"context"
	"errors"
	"strconv"

	"tradedesk/internal/session"
)

var (
	// ErrTerminalUnavailable is returned when the terminal cannot be reached
	// or refuses to attach an account.
	ErrTerminalUnavailable = errors.New("cannot connect to broker terminal")
	ErrInvalidCredentials  = errors.New("broker rejected the credentials")
	ErrNotLoggedIn         = errors.New("no account attached to the terminal")
)

// AccountInfo is the terminal's account record.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Name        string  `json:"name"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	TradeMode   string  `json:"trade_mode"`
}

// Snapshot converts the record for the session layer.
func (a AccountInfo) Snapshot() session.AccountSnapshot {
	return session.AccountSnapshot{
		Login:       strconv.FormatInt(a.Login, 10),
		Server:      a.Server,
		Balance:     a.Balance,
		Equity:      a.Equity,
		MarginFree:  a.MarginFree,
		Currency:    a.Currency,
		AccountType: session.NormalizeAccountType(a.TradeMode),
		Name:        a.Name,
		Leverage:    a.Leverage,
		Margin:      a.Margin,
		MarginLevel: a.MarginLevel,
	}
}

// TerminalStatus is the terminal's cheap connectivity answer.
type TerminalStatus struct {
	Connected bool   `json:"connected"`
	Login     int64  `json:"login,omitempty"`
	Server    string `json:"server,omitempty"`
	TradeMode string `json:"trade_mode,omitempty"`
}

// Terminal is one user's terminal session.
type Terminal interface {
	Login(ctx context.Context, login int64, password, server string) error
	// Reconnect reattaches the account the terminal remembers, without a
	// password. ErrNotLoggedIn means there is nothing to reattach.
	Reconnect(ctx context.Context) error
	Status(ctx context.Context) (TerminalStatus, error)
	Account(ctx context.Context) (AccountInfo, error)
	Logout(ctx context.Context) error
	Ping(ctx context.Context) error
}

// TerminalFactory opens the terminal for a user.
type TerminalFactory func(userID string) (Terminal, error)
