// Package controller composes one user's broker session, risk manager and
// trading selection, and persists them as one configuration document.
package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/events"
	"tradedesk/internal/risk"
	"tradedesk/internal/selection"
	"tradedesk/internal/session"
	"tradedesk/internal/strategy"
)

// Document is the combined configuration written on save.
type Document struct {
	UserID      string              `json:"user_id"`
	Login       string              `json:"login"`
	Server      string              `json:"server"`
	AccountType session.AccountType `json:"account_type"`
	AISettings  selection.Settings  `json:"ai_settings"`
	RiskConfig  risk.RiskConfig     `json:"risk_config"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// DocumentStore persists the configuration document for one user. Save must
// be atomic: either the whole document is written or nothing is.
type DocumentStore interface {
	SaveConfiguration(ctx context.Context, doc Document) error
	LoadConfiguration(ctx context.Context) (*Document, error)
}

// Stores bundles the per-user persistence collaborators.
type Stores struct {
	Profiles  session.ProfileStore
	Hints     session.HintStore
	Locks     risk.LockStore
	Documents DocumentStore
}

// Deps are the process-wide collaborators shared by every controller.
type Deps struct {
	Resolver *strategy.Resolver
	Bus      *events.Bus
	Logger   zerolog.Logger

	// Optional observers, e.g. for metrics.
	OnTransition func(from, to session.Status)
	OnLock       func(outcome string)
}

// SessionEvent is the bus payload for EventSessionChange.
type SessionEvent struct {
	Status      session.Status           `json:"status"`
	AccountType session.AccountType      `json:"account_type"`
	Account     *session.AccountSnapshot `json:"account"`
	LastError   string                   `json:"last_error,omitempty"`
}

// OpenResult reports what Open found for the user.
type OpenResult struct {
	Hints         session.Hints          `json:"hints"`
	Profile       *session.StoredProfile `json:"profile,omitempty"`
	Reconnected   bool                   `json:"reconnected"`
	RiskLocked    bool                   `json:"risk_locked"`
	DocumentFound bool                   `json:"document_found"`
}
