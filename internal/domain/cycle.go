package domain

import (
	"fmt"
	"time"
)

// CyclePhase is the state of one two-legged round trip.
type CyclePhase string

const (
	PhaseStarted           CyclePhase = "STARTED"
	PhaseLeg1InFlight      CyclePhase = "LEG1_IN_FLIGHT"
	PhaseLeg1Done          CyclePhase = "LEG1_DONE"
	PhaseAwaitingLeg2      CyclePhase = "AWAITING_LEG2"
	PhaseLeg2InFlight      CyclePhase = "LEG2_IN_FLIGHT"
	PhaseCompleted         CyclePhase = "COMPLETED"
	PhaseLeg1OnlyCompleted CyclePhase = "LEG1_ONLY_COMPLETED"
	PhaseFailed            CyclePhase = "FAILED"
)

// TerminalPhases lists the phases a cycle never leaves.
var TerminalPhases = []CyclePhase{PhaseCompleted, PhaseLeg1OnlyCompleted, PhaseFailed}

// IsTerminal reports whether p is one of TerminalPhases.
func (p CyclePhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseLeg1OnlyCompleted || p == PhaseFailed
}

// InFlight reports whether a leg of the cycle is executing.
func (p CyclePhase) InFlight() bool {
	return p == PhaseLeg1InFlight || p == PhaseLeg2InFlight
}

// LegRecord summarizes one executed leg onto the cycle.
type LegRecord struct {
	BuyVenue        Venue    `json:"buy_venue,omitempty"`
	SellVenue       Venue    `json:"sell_venue,omitempty"`
	BuyOrderIDs     []string `json:"buy_order_ids,omitempty"`
	SellOrderIDs    []string `json:"sell_order_ids,omitempty"`
	WithdrawalID    string   `json:"withdrawal_id,omitempty"`
	HedgeOrderIDs   []string `json:"hedge_order_ids,omitempty"`
	FilledQty       float64  `json:"filled_qty,omitempty"`
	ReceivedQty     float64  `json:"received_qty,omitempty"`
	SoldQty         float64  `json:"sold_qty,omitempty"`
	AvgBuyPrice     float64  `json:"avg_buy_price,omitempty"`
	AvgSellPrice    float64  `json:"avg_sell_price,omitempty"`
	CostKRW         float64  `json:"cost_krw,omitempty"`
	ProceedsKRW     float64  `json:"proceeds_krw,omitempty"`
	Hedged          bool     `json:"hedged,omitempty"`
	HedgePnLKRW     float64  `json:"hedge_pnl_krw,omitempty"`
	TransferStarted bool     `json:"transfer_started,omitempty"`
}

// Cycle is one full arbitrage round trip. A cycle belongs to exactly one
// session; leg-2 fields are set only after leg 1 has finished.
type Cycle struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Phase     CyclePhase `json:"phase"`
	Direction Direction  `json:"direction"`

	Leg1Symbol string `json:"leg1_symbol"`
	Leg2Symbol string `json:"leg2_symbol,omitempty"`

	InvestmentKRW float64 `json:"investment_krw"`
	InvestmentUSD float64 `json:"investment_usd"`
	FXRate        float64 `json:"fx_rate"`

	Leg1Profit     float64 `json:"leg1_profit"`
	Leg2Profit     float64 `json:"leg2_profit"`
	TotalProfit    float64 `json:"total_profit"`
	TotalProfitPct float64 `json:"total_profit_pct"`

	Leg1 LegRecord `json:"leg1"`
	Leg2 LegRecord `json:"leg2"`

	ErrorDetail  string `json:"error_detail,omitempty"`
	RecoveryNote string `json:"recovery_note,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	Leg1EndedAt *time.Time `json:"leg1_ended_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Symbols returns the symbols the cycle currently holds.
func (c Cycle) Symbols() []string {
	out := make([]string, 0, 2)
	if c.Leg1Symbol != "" {
		out = append(out, c.Leg1Symbol)
	}
	if c.Leg2Symbol != "" && c.Leg2Symbol != c.Leg1Symbol {
		out = append(out, c.Leg2Symbol)
	}
	return out
}

// CheckInvariants rejects records that set leg-2 fields before leg 1 ended.
func (c Cycle) CheckInvariants() error {
	if c.ID == "" {
		return fmt.Errorf("cycle: empty id: %w", ErrValidation)
	}
	leg2Touched := c.Leg2Symbol != "" || c.Leg2Profit != 0 || len(c.Leg2.BuyOrderIDs) > 0
	if !leg2Touched {
		return nil
	}
	if c.Leg1EndedAt == nil {
		return fmt.Errorf("cycle %s: leg 2 set before leg 1 ended: %w", c.ID, ErrValidation)
	}
	switch c.Phase {
	case PhaseStarted, PhaseLeg1InFlight, PhaseLeg1Done:
		return fmt.Errorf("cycle %s: leg 2 set in phase %s: %w", c.ID, c.Phase, ErrValidation)
	}
	return nil
}
