package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/events"
	"tradedesk/internal/risk"
	"tradedesk/internal/selection"
	"tradedesk/internal/session"
	"tradedesk/internal/strategy"
)

var ErrNoDocumentStore = errors.New("configuration store not configured")

// Controller is the single owner of one user's session, risk config and
// trading selection.
type Controller struct {
	userID string
	logger zerolog.Logger
	bus    *events.Bus
	stores Stores

	session   *session.Reconciler
	risk      *risk.Manager
	selection *selection.Selection

	saveMu sync.Mutex
}

// New builds a controller with default risk limits and selection, without
// touching any store. Use Open to hydrate from persisted state.
func New(userID string, broker session.BrokerAPI, stores Stores, deps Deps) *Controller {
	return build(userID, broker, stores, deps, risk.DefaultConfig(), selection.DefaultSettings())
}

func build(userID string, broker session.BrokerAPI, stores Stores, deps Deps, rc risk.RiskConfig, st selection.Settings) *Controller {
	logger := deps.Logger.With().Str("user_id", userID).Logger()
	resolver := deps.resolverOrDefault()

	c := &Controller{
		userID: userID,
		logger: logger.With().Str("component", "controller").Logger(),
		bus:    deps.Bus,
		stores: stores,
	}

	sessOpts := []session.Option{session.WithLogger(logger)}
	if stores.Hints != nil {
		sessOpts = append(sessOpts, session.WithHints(stores.Hints))
	}
	if deps.OnTransition != nil {
		sessOpts = append(sessOpts, session.WithTransitionObserver(deps.OnTransition))
	}
	c.session = session.New(broker, stores.Profiles, sessOpts...)

	riskOpts := []risk.Option{risk.WithLogger(logger)}
	if deps.OnLock != nil {
		riskOpts = append(riskOpts, risk.WithLockObserver(deps.OnLock))
	}
	c.risk = risk.NewManager(stores.Locks, rc, riskOpts...)
	c.selection = selection.New(resolver, st)

	c.session.OnSessionChange(c.onSessionChange)
	return c
}

// Open builds a controller from persisted state: the saved document (or the
// AI settings remembered on the profile), the hints, the risk lock and, when
// the auto-reconnect hint is set, a reconnect attempt.
func Open(ctx context.Context, userID string, broker session.BrokerAPI, stores Stores, deps Deps) (*Controller, OpenResult, error) {
	var res OpenResult
	rc := risk.DefaultConfig()
	st := selection.DefaultSettings()

	if stores.Documents != nil {
		doc, err := stores.Documents.LoadConfiguration(ctx)
		if err != nil {
			return nil, res, fmt.Errorf("load configuration: %w", err)
		}
		if doc != nil {
			res.DocumentFound = true
			st = doc.AISettings
			rc = doc.RiskConfig
		}
	}

	c := build(userID, broker, stores, deps, rc, st)

	hints, profile, err := c.session.Hydrate(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("hydrate session failed")
	}
	res.Hints = hints
	res.Profile = profile
	if !res.DocumentFound && profile != nil && len(profile.AISettings) > 0 {
		stored := selection.DefaultSettings()
		if err := json.Unmarshal(profile.AISettings, &stored); err != nil {
			c.logger.Warn().Err(err).Msg("ignoring unreadable AI settings on stored profile")
		} else {
			c.selection = selection.New(deps.resolverOrDefault(), stored)
		}
	}

	status, err := c.risk.Load(ctx)
	if err != nil {
		return nil, res, err
	}
	res.RiskLocked = status.Locked

	if hints.AutoReconnect {
		state, err := c.session.AutoReconnect(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("auto-reconnect on open skipped")
		}
		if state.Connected() {
			res.Reconnected = true
			if err := c.session.LoadAccount(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("load account after auto-reconnect skipped")
			}
		}
	}

	c.logger.Info().
		Bool("document", res.DocumentFound).
		Bool("risk_locked", res.RiskLocked).
		Bool("reconnected", res.Reconnected).
		Msg("controller opened")
	return c, res, nil
}

func (d Deps) resolverOrDefault() *strategy.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return strategy.NewResolver(nil, nil)
}

// UserID returns the owner.
func (c *Controller) UserID() string { return c.userID }

// Session exposes the reconciler.
func (c *Controller) Session() *session.Reconciler { return c.session }

// Risk exposes the risk manager.
func (c *Controller) Risk() *risk.Manager { return c.risk }

// Selection exposes the trading selection.
func (c *Controller) Selection() *selection.Selection { return c.selection }

// Stores exposes the bound persistence collaborators.
func (c *Controller) Stores() Stores { return c.stores }

// onSessionChange keeps totalCapital in step with the connected balance and
// forwards the transition to the bus.
func (c *Controller) onSessionChange(acct *session.AccountSnapshot) {
	if acct != nil && c.risk.SyncCapital(acct.Balance) {
		c.emit(events.EventRiskUpdated, c.risk.State())
	}
	st := c.session.State()
	c.emit(events.EventSessionChange, SessionEvent{
		Status:      st.Status,
		AccountType: st.AccountType,
		Account:     acct,
		LastError:   st.LastError,
	})
}

// LockRisk locks the risk configuration against the live session.
func (c *Controller) LockRisk(ctx context.Context) (risk.State, error) {
	wasLocked := c.risk.IsLocked()
	if _, err := c.risk.Lock(ctx, c.session.State()); err != nil {
		return c.risk.State(), err
	}
	st := c.risk.State()
	if !wasLocked {
		c.emit(events.EventRiskLocked, st)
	}
	return st, nil
}

// UpdateRiskField edits one risk field and publishes the new state.
func (c *Controller) UpdateRiskField(name string, value any) (risk.State, error) {
	if err := c.risk.UpdateField(name, value); err != nil {
		return c.risk.State(), err
	}
	st := c.risk.State()
	c.emit(events.EventRiskUpdated, st)
	return st, nil
}

// Disconnect ends the session and forgets the remembered broker profile
// only when forget is set.
func (c *Controller) Disconnect(ctx context.Context, forget bool) error {
	if err := c.session.Disconnect(ctx); err != nil {
		return err
	}
	if forget && c.stores.Profiles != nil {
		if err := c.stores.Profiles.DeleteStoredProfile(ctx); err != nil {
			return fmt.Errorf("delete stored profile: %w", err)
		}
	}
	return nil
}

// SetAutoReconnect flips the auto-reconnect hint, keeping the other hints.
func (c *Controller) SetAutoReconnect(ctx context.Context, enabled bool) (session.Hints, error) {
	if c.stores.Hints == nil {
		return session.Hints{}, nil
	}
	h, err := c.stores.Hints.LoadHints(ctx)
	if err != nil {
		return h, fmt.Errorf("load hints: %w", err)
	}
	h.AutoReconnect = enabled
	if err := c.stores.Hints.SaveHints(ctx, h); err != nil {
		return h, fmt.Errorf("save hints: %w", err)
	}
	return h, nil
}

// SaveConfiguration validates the selection and writes profile, AI settings
// and risk config as one document.
func (c *Controller) SaveConfiguration(ctx context.Context) (Document, error) {
	if c.stores.Documents == nil {
		return Document{}, ErrNoDocumentStore
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	// The validated copy is the one written.
	settings := c.selection.Settings()
	if err := settings.Validate(); err != nil {
		return Document{}, err
	}

	sess := c.session.State()
	doc := Document{
		UserID:      c.userID,
		Login:       sess.LastKnownLogin,
		Server:      sess.LastKnownServer,
		AccountType: sess.AccountType,
		AISettings:  settings,
		RiskConfig:  c.risk.State().Config,
		UpdatedAt:   time.Now().UTC(),
	}
	if sess.Account != nil {
		doc.Login = sess.Account.Login
		doc.Server = sess.Account.Server
	}

	if err := c.stores.Documents.SaveConfiguration(ctx, doc); err != nil {
		c.logger.Warn().Err(err).Msg("save configuration failed")
		return Document{}, fmt.Errorf("save configuration: %w", err)
	}
	c.logger.Info().Str("login", doc.Login).Msg("configuration saved")
	c.emit(events.EventConfigSaved, doc)
	return doc, nil
}

// Close waits for background writes started by the session.
func (c *Controller) Close() {
	c.session.Wait()
}

func (c *Controller) emit(e events.Event, payload any) {
	if c.bus != nil {
		c.bus.Emit(c.userID, e, payload)
	}
}
