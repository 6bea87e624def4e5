package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// CycleStore implements domain.CycleStore using PostgreSQL.
type CycleStore struct {
	pool *pgxpool.Pool
}

var _ domain.CycleStore = (*CycleStore)(nil)

// NewCycleStore creates a new CycleStore.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

const cycleColumns = `id, session_id, phase, direction, leg1_symbol, leg2_symbol,
	investment_krw, investment_usd, fx_rate, leg1_profit, leg2_profit, total_profit, total_profit_pct,
	leg1, leg2, error_detail, recovery_note, started_at, leg1_ended_at, ended_at, updated_at`

// CreateCycle inserts a new cycle row.
func (s *CycleStore) CreateCycle(ctx context.Context, c domain.Cycle) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	leg1, leg2, err := marshalLegs(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cycles (`+cycleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ID, c.SessionID, string(c.Phase), string(c.Direction), c.Leg1Symbol, c.Leg2Symbol,
		c.InvestmentKRW, c.InvestmentUSD, c.FXRate, c.Leg1Profit, c.Leg2Profit, c.TotalProfit, c.TotalProfitPct,
		leg1, leg2, c.ErrorDetail, c.RecoveryNote, c.StartedAt, c.Leg1EndedAt, c.EndedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %s: %w", c.ID, translate(err))
	}
	return nil
}

// UpdateCycle overwrites a non-terminal cycle row. A terminal row is never
// touched; the WHERE clause makes the check atomic with the write.
func (s *CycleStore) UpdateCycle(ctx context.Context, c domain.Cycle) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	leg1, leg2, err := marshalLegs(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE cycles SET
			phase = $2, direction = $3, leg1_symbol = $4, leg2_symbol = $5,
			investment_krw = $6, investment_usd = $7, fx_rate = $8,
			leg1_profit = $9, leg2_profit = $10, total_profit = $11, total_profit_pct = $12,
			leg1 = $13, leg2 = $14, error_detail = $15, recovery_note = $16,
			leg1_ended_at = $17, ended_at = $18, updated_at = $19
		WHERE id = $1 AND phase <> ALL($20)`,
		c.ID, string(c.Phase), string(c.Direction), c.Leg1Symbol, c.Leg2Symbol,
		c.InvestmentKRW, c.InvestmentUSD, c.FXRate,
		c.Leg1Profit, c.Leg2Profit, c.TotalProfit, c.TotalProfitPct,
		leg1, leg2, c.ErrorDetail, c.RecoveryNote,
		c.Leg1EndedAt, c.EndedAt, c.UpdatedAt, phaseStrings(domain.TerminalPhases),
	)
	if err != nil {
		return fmt.Errorf("postgres: update cycle %s: %w", c.ID, translate(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var phase string
	err = s.pool.QueryRow(ctx, `SELECT phase FROM cycles WHERE id = $1`, c.ID).Scan(&phase)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: update cycle %s: %w", c.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: update cycle %s: %w", c.ID, translate(err))
	}
	return fmt.Errorf("postgres: update cycle %s in %s: %w", c.ID, phase, domain.ErrTerminalCycle)
}

// GetCycle returns one cycle by id.
func (s *CycleStore) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = $1`, id)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Cycle{}, fmt.Errorf("postgres: get cycle %s: %w", id, domain.ErrNotFound)
		}
		return domain.Cycle{}, fmt.Errorf("postgres: get cycle %s: %w", id, translate(err))
	}
	return c, nil
}

// FindCycles returns cycles whose phase is not in statusNotIn, oldest first.
func (s *CycleStore) FindCycles(ctx context.Context, statusNotIn []domain.CyclePhase) ([]domain.Cycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cycleColumns+` FROM cycles
		WHERE phase <> ALL($1)
		ORDER BY started_at ASC`,
		phaseStrings(statusNotIn),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: find cycles: %w", translate(err))
	}
	return collectCycles(rows)
}

// ListTerminalBefore returns terminal cycles that ended before t, oldest first.
func (s *CycleStore) ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+cycleColumns+` FROM cycles
		WHERE phase = ANY($1) AND ended_at < $2
		ORDER BY started_at ASC
		LIMIT $3`,
		phaseStrings(domain.TerminalPhases), t, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal cycles: %w", translate(err))
	}
	return collectCycles(rows)
}

// DeleteCycles removes the given cycle rows.
func (s *CycleStore) DeleteCycles(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM cycles WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete cycles: %w", translate(err))
	}
	return nil
}

func collectCycles(rows pgx.Rows) ([]domain.Cycle, error) {
	defer rows.Close()
	var out []domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: cycle rows: %w", translate(err))
	}
	return out, nil
}

func scanCycle(row pgx.Row) (domain.Cycle, error) {
	var (
		c                domain.Cycle
		phase, direction string
		leg1, leg2       []byte
	)
	err := row.Scan(
		&c.ID, &c.SessionID, &phase, &direction, &c.Leg1Symbol, &c.Leg2Symbol,
		&c.InvestmentKRW, &c.InvestmentUSD, &c.FXRate, &c.Leg1Profit, &c.Leg2Profit, &c.TotalProfit, &c.TotalProfitPct,
		&leg1, &leg2, &c.ErrorDetail, &c.RecoveryNote, &c.StartedAt, &c.Leg1EndedAt, &c.EndedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Cycle{}, err
	}
	c.Phase = domain.CyclePhase(phase)
	c.Direction = domain.Direction(direction)
	if err := json.Unmarshal(leg1, &c.Leg1); err != nil {
		return domain.Cycle{}, fmt.Errorf("unmarshal leg1 of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(leg2, &c.Leg2); err != nil {
		return domain.Cycle{}, fmt.Errorf("unmarshal leg2 of %s: %w", c.ID, err)
	}
	return c, nil
}

func marshalLegs(c domain.Cycle) (leg1, leg2 []byte, err error) {
	if leg1, err = json.Marshal(c.Leg1); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal leg1 of %s: %w", c.ID, err)
	}
	if leg2, err = json.Marshal(c.Leg2); err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal leg2 of %s: %w", c.ID, err)
	}
	return leg1, leg2, nil
}

func phaseStrings(phases []domain.CyclePhase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
