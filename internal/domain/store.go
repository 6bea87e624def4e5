package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event keeps audit entries whose event starts with it.
	Event string
}

// CycleStore persists cycles. UpdateCycle returns ErrTerminalCycle when the
// stored row is already terminal and ErrNotFound when it does not exist.
type CycleStore interface {
	CreateCycle(ctx context.Context, c Cycle) error
	UpdateCycle(ctx context.Context, c Cycle) error
	GetCycle(ctx context.Context, id string) (Cycle, error)
	// FindCycles returns cycles whose phase is not in phases, oldest first.
	FindCycles(ctx context.Context, statusNotIn []CyclePhase) ([]Cycle, error)
	// ListTerminalBefore returns terminal cycles that ended before t, oldest first.
	ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]Cycle, error)
	DeleteCycles(ctx context.Context, ids []string) error
}

// PortfolioStore persists the append-only capital ledger.
type PortfolioStore interface {
	AppendPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) error
	// GetLatestPortfolioSnapshot returns ErrNotFound on an empty ledger.
	GetLatestPortfolioSnapshot(ctx context.Context) (PortfolioSnapshot, error)
}

// SessionStore persists session rows for status reporting.
type SessionStore interface {
	UpsertSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context) ([]Session, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CycleArchive stores terminal cycles outside the database.
type CycleArchive interface {
	ArchiveCycles(ctx context.Context, key string, cycles []Cycle) error
}
