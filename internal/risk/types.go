package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConfigLocked      = errors.New("risk configuration is locked")
	ErrFieldNotEditable  = errors.New("risk field is not editable")
	ErrUnknownField      = errors.New("unknown risk field")
	ErrInvalidFieldValue = errors.New("invalid value for risk field")
	ErrNotConnected      = errors.New("a connected broker account is required to lock risk settings")
	ErrInvalidRiskConfig = errors.New("risk configuration is invalid")
	ErrLockInProgress    = errors.New("risk lock is already in progress")

	// ErrLockExists is returned by a LockStore when a lock was already
	// persisted for the user, e.g. from another session.
	ErrLockExists = errors.New("risk configuration already locked in store")
)

// RiskPercentOptions are the per-trade risk levels a user may pick.
var RiskPercentOptions = []float64{1, 2, 3}

// StrategyRisk caps risk for one trading strategy.
type StrategyRisk struct {
	RiskPercent float64 `json:"risk_percent" validate:"gt=0,lte=10"`
	MaxTrades   int     `json:"max_trades" validate:"gte=0,lte=100"`
}

// RiskConfig defines capital and loss/profit limits. Validation tags are
// checked when locking, never on individual edits.
type RiskConfig struct {
	TotalCapital   float64 `json:"total_capital" validate:"gt=0"`
	RiskPercentage float64 `json:"risk_percentage" validate:"risk_option"`

	MaxDailyLossPercent   float64 `json:"max_daily_loss_percent" validate:"gt=0,lte=100"`
	MaxWeeklyLossPercent  float64 `json:"max_weekly_loss_percent" validate:"gtefield=MaxDailyLossPercent,lte=100"`
	MaxDailyProfitPercent float64 `json:"max_daily_profit_percent" validate:"gt=0,lte=100"`
	MaxOpenTrades         int     `json:"max_open_trades" validate:"gte=1,lte=100"`
	MinRewardRiskRatio    float64 `json:"min_rrr" validate:"gt=0"`
	MaxLosingStreak       int     `json:"max_losing_streak" validate:"gte=1"`
	CoolDownHours         int     `json:"cool_down_hours" validate:"gte=0,lte=168"`

	RiskByStrategy map[string]StrategyRisk `json:"risk_by_strategy,omitempty" validate:"omitempty,dive"`
}

// DefaultConfig returns conservative limits for a new user.
func DefaultConfig() RiskConfig {
	return RiskConfig{
		RiskPercentage:        1,
		MaxDailyLossPercent:   3,
		MaxWeeklyLossPercent:  6,
		MaxDailyProfitPercent: 5,
		MaxOpenTrades:         3,
		MinRewardRiskRatio:    2,
		MaxLosingStreak:       3,
		CoolDownHours:         12,
	}
}

func (c RiskConfig) clone() RiskConfig {
	if c.RiskByStrategy != nil {
		m := make(map[string]StrategyRisk, len(c.RiskByStrategy))
		for k, v := range c.RiskByStrategy {
			m[k] = v
		}
		c.RiskByStrategy = m
	}
	return c
}

// LockSnapshot is the broker account captured for audit at lock time.
type LockSnapshot struct {
	Login      string    `json:"login"`
	Server     string    `json:"server"`
	Currency   string    `json:"currency"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	MarginFree float64   `json:"margin_free"`
	CapturedAt time.Time `json:"captured_at"`
}

// LockPayload is everything persisted by a lock.
type LockPayload struct {
	LockID   string       `json:"lock_id"`
	Config   RiskConfig   `json:"risk_config"`
	Snapshot LockSnapshot `json:"mt5_snapshot"`
	Source   string       `json:"source"`
}

// LockReceipt is the store's confirmation.
type LockReceipt struct {
	LockedAt       time.Time `json:"locked_at"`
	TotalCapital   float64   `json:"total_capital"`
	RiskPercentage float64   `json:"risk_percentage"`
}

// LockStatus is the persisted lock, if any.
type LockStatus struct {
	Locked         bool          `json:"locked"`
	LockID         string        `json:"lock_id,omitempty"`
	LockedAt       *time.Time    `json:"locked_at,omitempty"`
	TotalCapital   float64       `json:"total_capital,omitempty"`
	RiskPercentage float64       `json:"risk_percentage,omitempty"`
	Extended       *RiskConfig   `json:"extended_risk_config,omitempty"`
	Snapshot       *LockSnapshot `json:"mt5_snapshot,omitempty"`
}

// LockStore persists risk locks for one user.
type LockStore interface {
	LockRiskConfig(ctx context.Context, p LockPayload) (LockReceipt, error)
	GetRiskLockStatus(ctx context.Context) (LockStatus, error)
}

// State is a copy of the manager's view, as served to clients.
type State struct {
	Config        RiskConfig    `json:"config"`
	IsLocked      bool          `json:"is_locked"`
	LockedAt      *time.Time    `json:"locked_at"`
	LockID        string        `json:"lock_id,omitempty"`
	Snapshot      *LockSnapshot `json:"mt5_snapshot,omitempty"`
	MaxRiskAmount string        `json:"max_risk_amount"`
}
