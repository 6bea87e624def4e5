package executor

import (
	"fmt"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// LegState is a state of the order-leg sub-machine.
type LegState string

const (
	StatePreflight          LegState = "PREFLIGHT"
	StatePlaced             LegState = "PLACED"
	StatePollingFill        LegState = "POLLING_FILL"
	StateRepriceRetry       LegState = "REPRICE_RETRY"
	StateFilled             LegState = "FILLED"
	StateHedgeOpen          LegState = "HEDGE_OPEN"
	StateWithdrawn          LegState = "WITHDRAWN"
	StatePollingDeposit     LegState = "POLLING_DEPOSIT"
	StateSold               LegState = "SOLD"
	StateHedgeClose         LegState = "HEDGE_CLOSE"
	StateDone               LegState = "DONE"
	StateAborted            LegState = "ABORTED"
	StateManualIntervention LegState = "MANUAL_INTERVENTION"
)

// LegError describes where a leg stopped and whether capital had already
// left the buy venue.
type LegError struct {
	State         LegState
	AfterTransfer bool
	Err           error
}

func (e *LegError) Error() string {
	where := "before transfer"
	if e.AfterTransfer {
		where = "after transfer"
	}
	return fmt.Sprintf("leg %s (%s): %v", e.State, where, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// LegRequest is one leg to execute.
type LegRequest struct {
	CycleID       string
	Leg           int // 1 or 2
	Symbol        string
	Direction     domain.Direction
	InvestmentKRW float64
	FXRate        float64
	// Opportunity is the evaluation that selected this leg; its VWAPs seed
	// the first limit price when the live book is unavailable.
	Opportunity domain.Opportunity
	// OnProgress, when set, is called after each irreversible step so the
	// caller can persist transaction ids before the next one.
	OnProgress func(state LegState, rec domain.LegRecord)
}

// AttemptOutcome is how one order submission ended.
type AttemptOutcome string

const (
	AttemptOpen     AttemptOutcome = "OPEN" // still resting when the leg stopped
	AttemptFilled   AttemptOutcome = "FILLED"
	AttemptPartial  AttemptOutcome = "PARTIAL"  // cancelled after a partial fill
	AttemptUnfilled AttemptOutcome = "UNFILLED" // cancelled with nothing filled
	AttemptRejected AttemptOutcome = "REJECTED" // the venue refused the submission
)

// Attempt records one CreateOrder call of the leg. Number counts
// submissions per side, starting at 1.
type Attempt struct {
	Number    int
	Side      domain.OrderSide
	OrderID   string // empty when rejected
	Price     float64
	Quantity  float64
	FilledQty float64
	Outcome   AttemptOutcome
	Error     string `json:",omitempty"`
}

func outcomeOf(o domain.Order) AttemptOutcome {
	switch {
	case o.Status == domain.OrderStatusFilled:
		return AttemptFilled
	case !o.Status.Done():
		return AttemptOpen
	case o.FilledQty > 0:
		return AttemptPartial
	}
	return AttemptUnfilled
}

// LegResult is the outcome of a leg. State is StateDone, StateAborted or
// StateManualIntervention; Cause is set for the latter two.
type LegResult struct {
	State       LegState
	Trail       []LegState
	Record      domain.LegRecord
	ProfitKRW   float64
	Submissions int // buy-side order submissions
	Attempts    []Attempt
	Cause       *LegError
	Warnings    []string
}

// Manual reports whether the leg needs an operator.
func (r LegResult) Manual() bool { return r.State == StateManualIntervention }
