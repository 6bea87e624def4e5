package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL. Rows are
// append-only; seq orders them.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

var _ domain.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates a new PortfolioStore.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

// AppendPortfolioSnapshot inserts a new ledger row.
func (s *PortfolioStore) AppendPortfolioSnapshot(ctx context.Context, snap domain.PortfolioSnapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("postgres: marshal balances: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO portfolio_snapshots (id, ts, balances, total_krw, last_cycle_id, last_pnl)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.Timestamp, balances, snap.TotalKRW, snap.LastCycleID, snap.LastPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: append portfolio snapshot %s: %w", snap.ID, translate(err))
	}
	return nil
}

// GetLatestPortfolioSnapshot returns the newest ledger row.
func (s *PortfolioStore) GetLatestPortfolioSnapshot(ctx context.Context) (domain.PortfolioSnapshot, error) {
	var (
		snap     domain.PortfolioSnapshot
		balances []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, ts, balances, total_krw, last_cycle_id, last_pnl
		FROM portfolio_snapshots ORDER BY seq DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.Timestamp, &balances, &snap.TotalKRW, &snap.LastCycleID, &snap.LastPnL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: latest portfolio snapshot: %w", domain.ErrNotFound)
		}
		return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: latest portfolio snapshot: %w", translate(err))
	}
	if err := json.Unmarshal(balances, &snap.Balances); err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("postgres: unmarshal balances: %w", err)
	}
	return snap, nil
}
