package domain

import "time"

// SessionStatus mirrors the phase of the session's cycle plus the
// scheduling-only states IDLE and DECIDING.
type SessionStatus string

const (
	SessionIdle         SessionStatus = "IDLE"
	SessionDeciding     SessionStatus = "DECIDING"
	SessionLeg1InFlight SessionStatus = "LEG1_IN_FLIGHT"
	SessionAwaitingLeg2 SessionStatus = "AWAITING_LEG2"
	SessionLeg2InFlight SessionStatus = "LEG2_IN_FLIGHT"
)

// InFlight reports whether a leg is executing for the session.
func (s SessionStatus) InFlight() bool {
	return s == SessionLeg1InFlight || s == SessionLeg2InFlight
}

// Session is a concurrency slot owning at most one active cycle.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	CycleID     string        `json:"cycle_id,omitempty"` // empty while idle
	Direction   Direction     `json:"direction"`
	Priority    float64       `json:"priority"`
	StatusSince time.Time     `json:"status_since"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Opportunity is a verified, ephemeral trading opportunity.
type Opportunity struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	PriceKRW float64 `json:"price_krw"`
	PriceUSD float64 `json:"price_usd"`
	FXRate   float64 `json:"fx_rate"`

	PremiumPct     float64 `json:"premium_pct"`      // gross, FX normalized
	FeeAdjustedPct float64 `json:"fee_adjusted_pct"` // after fees
	FinalPct       float64 `json:"final_pct"`        // after fees and depth slippage
	FinalProfitKRW float64 `json:"final_profit_krw"`

	BuyVWAP       float64 `json:"buy_vwap"`
	SellVWAP      float64 `json:"sell_vwap"`
	InvestmentKRW float64 `json:"investment_krw"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PortfolioSnapshot is one row of the append-only capital ledger.
type PortfolioSnapshot struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Balances    map[Venue]float64 `json:"balances"` // KRW equivalent per venue
	TotalKRW    float64           `json:"total_krw"`
	LastCycleID string            `json:"last_cycle_id"`
	LastPnL     float64           `json:"last_pnl"`
}
