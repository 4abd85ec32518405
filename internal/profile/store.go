// Package profile adapts the SQLite query layer to the per-user store
// interfaces used by the session, risk and controller packages.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradedesk/internal/controller"
	"tradedesk/internal/risk"
	"tradedesk/internal/selection"
	"tradedesk/internal/session"
	"tradedesk/pkg/db"
)

// Store is the persistence for one user. It satisfies session.ProfileStore,
// risk.LockStore and controller.DocumentStore.
type Store struct {
	q      *db.UserQueries
	userID string
	now    func() time.Time
}

var (
	_ session.ProfileStore     = (*Store)(nil)
	_ risk.LockStore           = (*Store)(nil)
	_ controller.DocumentStore = (*Store)(nil)
)

// ForUser binds the query layer to userID.
func ForUser(q *db.UserQueries, userID string) *Store {
	return &Store{q: q, userID: userID, now: time.Now}
}

func (s *Store) GetStoredProfile(ctx context.Context) (session.ProfileLookup, error) {
	p, err := s.q.GetBrokerProfile(ctx, s.userID)
	if err != nil {
		return session.ProfileLookup{}, err
	}
	if p == nil {
		return session.ProfileLookup{Exists: false}, nil
	}
	return session.ProfileLookup{
		Exists: true,
		Profile: &session.StoredProfile{
			Login:       p.Login,
			Server:      p.Server,
			AccountType: session.NormalizeAccountType(p.AccountType),
			AISettings:  p.AISettings,
			UpdatedAt:   p.UpdatedAt,
		},
	}, nil
}

func (s *Store) SaveStoredProfile(ctx context.Context, p session.StoredProfile) error {
	if p.Login == "" || p.Server == "" {
		return errors.New("profile login and server are required")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	return s.q.UpsertBrokerProfile(ctx, db.BrokerProfile{
		UserID:      s.userID,
		Login:       p.Login,
		Server:      p.Server,
		AccountType: string(session.NormalizeAccountType(string(p.AccountType))),
		AISettings:  p.AISettings,
		UpdatedAt:   updated,
	})
}

func (s *Store) DeleteStoredProfile(ctx context.Context) error {
	return s.q.DeleteBrokerProfile(ctx, s.userID)
}

func (s *Store) LockRiskConfig(ctx context.Context, p risk.LockPayload) (risk.LockReceipt, error) {
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return risk.LockReceipt{}, fmt.Errorf("encode lock snapshot: %w", err)
	}
	conf, err := json.Marshal(p.Config)
	if err != nil {
		return risk.LockReceipt{}, fmt.Errorf("encode risk config: %w", err)
	}

	lockedAt := s.now().UTC().Truncate(time.Millisecond)
	err = s.q.InsertRiskLock(ctx, db.RiskLock{
		UserID:         s.userID,
		LockID:         p.LockID,
		LockedAt:       lockedAt,
		TotalCapital:   p.Config.TotalCapital,
		RiskPercentage: p.Config.RiskPercentage,
		Source:         p.Source,
		Snapshot:       snapshot,
		RiskConfig:     conf,
	})
	if errors.Is(err, db.ErrAlreadyLocked) {
		return risk.LockReceipt{}, risk.ErrLockExists
	}
	if err != nil {
		return risk.LockReceipt{}, err
	}
	return risk.LockReceipt{
		LockedAt:       lockedAt,
		TotalCapital:   p.Config.TotalCapital,
		RiskPercentage: p.Config.RiskPercentage,
	}, nil
}

func (s *Store) GetRiskLockStatus(ctx context.Context) (risk.LockStatus, error) {
	l, err := s.q.GetRiskLock(ctx, s.userID)
	if err != nil {
		return risk.LockStatus{}, err
	}
	if l == nil {
		return risk.LockStatus{Locked: false}, nil
	}

	at := l.LockedAt.UTC()
	status := risk.LockStatus{
		Locked:         true,
		LockID:         l.LockID,
		LockedAt:       &at,
		TotalCapital:   l.TotalCapital,
		RiskPercentage: l.RiskPercentage,
	}
	if len(l.RiskConfig) > 0 {
		var cfg risk.RiskConfig
		if err := json.Unmarshal(l.RiskConfig, &cfg); err != nil {
			return risk.LockStatus{}, fmt.Errorf("decode locked risk config: %w", err)
		}
		status.Extended = &cfg
	}
	if len(l.Snapshot) > 0 {
		var snap risk.LockSnapshot
		if err := json.Unmarshal(l.Snapshot, &snap); err != nil {
			return risk.LockStatus{}, fmt.Errorf("decode lock snapshot: %w", err)
		}
		status.Snapshot = &snap
	}
	return status, nil
}

func (s *Store) SaveConfiguration(ctx context.Context, doc controller.Document) error {
	ai, err := json.Marshal(doc.AISettings)
	if err != nil {
		return fmt.Errorf("encode ai settings: %w", err)
	}
	rc, err := json.Marshal(doc.RiskConfig)
	if err != nil {
		return fmt.Errorf("encode risk config: %w", err)
	}
	return s.q.SaveConfigDocument(ctx, db.ConfigDocument{
		UserID:      s.userID,
		Login:       doc.Login,
		Server:      doc.Server,
		AccountType: string(doc.AccountType),
		AISettings:  ai,
		RiskConfig:  rc,
		UpdatedAt:   doc.UpdatedAt,
	})
}

func (s *Store) LoadConfiguration(ctx context.Context) (*controller.Document, error) {
	d, err := s.q.GetConfigDocument(ctx, s.userID)
	if err != nil || d == nil {
		return nil, err
	}

	doc := &controller.Document{
		UserID:      d.UserID,
		Login:       d.Login,
		Server:      d.Server,
		AccountType: session.NormalizeAccountType(d.AccountType),
		AISettings:  selection.DefaultSettings(),
		RiskConfig:  risk.DefaultConfig(),
		UpdatedAt:   d.UpdatedAt,
	}
	if err := json.Unmarshal(d.AISettings, &doc.AISettings); err != nil {
		return nil, fmt.Errorf("decode ai settings: %w", err)
	}
	if err := json.Unmarshal(d.RiskConfig, &doc.RiskConfig); err != nil {
		return nil, fmt.Errorf("decode risk config: %w", err)
	}
	return doc, nil
}
