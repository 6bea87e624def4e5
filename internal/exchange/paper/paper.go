// Package paper simulates a venue: spot matching against a settable book,
// wallets with delayed transfers between paper venues, and a perpetual
// futures account. It backs paper-trading mode and the engine's tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// FillBehavior controls how resting and crossing orders fill.
type FillBehavior struct {
	// Never keeps every spot order open until cancelled.
	Never bool
	// Delay is how long a crossing order rests before it fills.
	Delay time.Duration
	// PartialRatio, when in (0,1), fills only that share of an order's
	// quantity; the rest stays open.
	PartialRatio float64
	// RestingAfter fills non-crossing orders at their limit once they have
	// rested this long. Zero leaves them open.
	RestingAfter time.Duration
}

// DepositChunk is one installment of an incoming transfer.
type DepositChunk struct {
	After    time.Duration
	Fraction float64
}

// Config describes a simulated venue.
type Config struct {
	Venue         domain.Venue
	Quote         string // "KRW" or "USDT"
	TakerFeeBps   float64
	FuturesFeeBps float64
	DefaultRules  domain.SymbolTradingRules
	WithdrawFee   map[string]float64
	WithdrawMin   map[string]float64
}

type order struct {
	domain.Order
	lockedAsset string
	locked      float64
}

type pending struct {
	deposit  domain.Deposit
	arriveAt time.Time
}

type position struct {
	qty   float64 // short quantity
	entry float64
}

// Exchange is a simulated domain.ExchangePort.
type Exchange struct {
	cfg   Config
	clock clock.Clock
	net   *Network

	mu        sync.Mutex
	seq       int
	spot      map[string]*domain.Balance
	futures   map[string]*domain.Balance
	books     map[string]domain.OrderBook
	volumes   map[string]float64
	rules     map[string]domain.SymbolTradingRules
	wallets   map[string]domain.WalletStatus
	orders    map[string]*order
	incoming  []pending
	history   []domain.Deposit
	positions map[string]*position
	fill      FillBehavior
	plan      []DepositChunk
	failures  map[string]error
	calls     map[string]int
}

var _ domain.ExchangePort = (*Exchange)(nil)

// Network connects paper venues so withdrawals arrive as deposits.
type Network struct {
	mu     sync.Mutex
	venues map[domain.Venue]*Exchange
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{venues: make(map[domain.Venue]*Exchange)}
}

// New creates a venue attached to net.
func New(cfg Config, clk clock.Clock, net *Network) *Exchange {
	e := &Exchange{
		cfg:       cfg,
		clock:     clk,
		net:       net,
		spot:      make(map[string]*domain.Balance),
		futures:   make(map[string]*domain.Balance),
		books:     make(map[string]domain.OrderBook),
		volumes:   make(map[string]float64),
		rules:     make(map[string]domain.SymbolTradingRules),
		wallets:   make(map[string]domain.WalletStatus),
		orders:    make(map[string]*order),
		positions: make(map[string]*position),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
	if net != nil {
		net.mu.Lock()
		net.venues[cfg.Venue] = e
		net.mu.Unlock()
	}
	return e
}

// ---------------------------------------------------------------------------
// Test and simulation controls.
// ---------------------------------------------------------------------------

// SetBook replaces the book of symbol and matches resting orders against it.
func (e *Exchange) SetBook(book domain.OrderBook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book.Venue = e.cfg.Venue
	book.Timestamp = e.clock.Now()
	e.books[book.Symbol] = book
	e.matchLocked()
}

// MirrorPrice sets a synthetic book of levels levels around price with the
// given half spread (fraction) and per-level quantity.
func (e *Exchange) MirrorPrice(symbol string, price, halfSpread, qty float64, levels int) {
	if price <= 0 || levels <= 0 {
		return
	}
	book := domain.OrderBook{Symbol: symbol}
	for i := 0; i < levels; i++ {
		off := halfSpread * float64(i+1)
		book.Bids = append(book.Bids, domain.OrderBookLevel{Price: price * (1 - off), Quantity: qty})
		book.Asks = append(book.Asks, domain.OrderBookLevel{Price: price * (1 + off), Quantity: qty})
	}
	e.SetBook(book)
}

// SetVolume sets the 24h quote volume of symbol.
func (e *Exchange) SetVolume(symbol string, v float64) {
	e.mu.Lock()
	e.volumes[symbol] = v
	e.mu.Unlock()
}

// SetRules sets the trading rules of symbol.
func (e *Exchange) SetRules(symbol string, r domain.SymbolTradingRules) {
	e.mu.Lock()
	r.Symbol = symbol
	e.rules[symbol] = r
	e.mu.Unlock()
}

// SetBalance sets the free spot balance of asset.
func (e *Exchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	e.balance(e.spot, asset).Free = free
	e.mu.Unlock()
}

// SetFuturesBalance sets the free futures balance of asset.
func (e *Exchange) SetFuturesBalance(asset string, free float64) {
	e.mu.Lock()
	e.balance(e.futures, asset).Free = free
	e.mu.Unlock()
}

// SetWalletStatus overrides deposit/withdraw availability of asset.
func (e *Exchange) SetWalletStatus(asset string, canDeposit, canWithdraw bool) {
	e.mu.Lock()
	e.wallets[asset] = domain.WalletStatus{Asset: asset, CanDeposit: canDeposit, CanWithdraw: canWithdraw}
	e.mu.Unlock()
}

// SetFillBehavior changes how subsequent matching fills orders.
func (e *Exchange) SetFillBehavior(b FillBehavior) {
	e.mu.Lock()
	e.fill = b
	e.mu.Unlock()
}

// SetDepositPlan sets the installments in which incoming transfers arrive.
// The default is the whole amount immediately.
func (e *Exchange) SetDepositPlan(plan []DepositChunk) {
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()
}

// FailNext makes the next call of method return err.
func (e *Exchange) FailNext(method string, err error) {
	e.mu.Lock()
	e.failures[method] = err
	e.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (e *Exchange) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// SpotBalance returns the spot balance of asset.
func (e *Exchange) SpotBalance(asset string) domain.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.balance(e.spot, asset)
}

// ShortPosition returns the open short quantity of symbol.
func (e *Exchange) ShortPosition(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[symbol]; ok {
		return p.qty
	}
	return 0
}

// ---------------------------------------------------------------------------
// domain.ExchangePort
// ---------------------------------------------------------------------------

func (e *Exchange) Name() domain.Venue { return e.cfg.Venue }

// enter records the call, applies pending transfers and matching, and returns
// an injected failure if one is armed. Callers hold e.mu.
func (e *Exchange) enter(method string) error {
	e.calls[method]++
	e.settleLocked()
	e.matchLocked()
	if err, ok := e.failures[method]; ok {
		delete(e.failures, method)
		return err
	}
	return nil
}

func (e *Exchange) CreateOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateOrder"); err != nil {
		return domain.Order{}, err
	}
	if req.Quantity <= 0 || (req.Type == domain.OrderTypeLimit && req.Price <= 0) {
		return domain.Order{}, fmt.Errorf("paper %s: order %+v: %w", e.cfg.Venue, req, domain.ErrOrderRejected)
	}
	book := e.books[req.Symbol]
	price := req.Price
	if req.Type == domain.OrderTypeMarket {
		if req.Side == domain.OrderSideBuy {
			price = book.BestAsk()
		} else {
			price = book.BestBid()
		}
		if price <= 0 {
			return domain.Order{}, fmt.Errorf("paper %s: no liquidity for %s: %w", e.cfg.Venue, req.Symbol, domain.ErrOrderRejected)
		}
	}

	o := &order{Order: domain.Order{
		Venue:     e.cfg.Venue,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     price,
		Quantity:  req.Quantity,
		Status:    domain.OrderStatusOpen,
		CreatedAt: e.clock.Now(),
		UpdatedAt: e.clock.Now(),
	}}
	if req.Side == domain.OrderSideBuy {
		o.lockedAsset = e.cfg.Quote
		o.locked = req.Quantity * price * (1 + e.cfg.TakerFeeBps/10_000)
	} else {
		o.lockedAsset = req.Symbol
		o.locked = req.Quantity
	}
	bal := e.balance(e.spot, o.lockedAsset)
	if bal.Free+1e-9 < o.locked {
		return domain.Order{}, fmt.Errorf("paper %s: %s free %.8f < %.8f: %w",
			e.cfg.Venue, o.lockedAsset, bal.Free, o.locked, domain.ErrInsufficientFunds)
	}
	bal.Free -= o.locked
	bal.Locked += o.locked

	e.seq++
	o.ID = fmt.Sprintf("%s-%d", e.cfg.Venue, e.seq)
	e.orders[o.ID] = o
	e.matchLocked()
	return o.Order, nil
}

func (e *Exchange) GetOrder(_ context.Context, _ string, orderID string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrder"); err != nil {
		return domain.Order{}, err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper %s: order %s: %w", e.cfg.Venue, orderID, domain.ErrNotFound)
	}
	return o.Order, nil
}

func (e *Exchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder"); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper %s: cancel %s: %w", e.cfg.Venue, orderID, domain.ErrNotFound)
	}
	if o.Status.Done() {
		return nil
	}
	e.release(o)
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = e.clock.Now()
	return nil
}

func (e *Exchange) GetBalances(context.Context) (domain.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetBalances"); err != nil {
		return nil, err
	}
	return snapshot(e.spot), nil
}

func (e *Exchange) GetOrderBook(_ context.Context, symbol string, depth int) (domain.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrderBook"); err != nil {
		return domain.OrderBook{}, err
	}
	book, ok := e.books[symbol]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("paper %s: book %s: %w", e.cfg.Venue, symbol, domain.ErrNotFound)
	}
	out := domain.OrderBook{Venue: book.Venue, Symbol: book.Symbol, Timestamp: book.Timestamp}
	out.Bids = append(out.Bids, book.Bids[:min(depth, len(book.Bids))]...)
	out.Asks = append(out.Asks, book.Asks[:min(depth, len(book.Asks))]...)
	return out, nil
}

func (e *Exchange) GetTickerInfo(_ context.Context, symbol string) (domain.TickerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTickerInfo"); err != nil {
		return domain.TickerInfo{}, err
	}
	book, ok := e.books[symbol]
	if !ok {
		return domain.TickerInfo{}, fmt.Errorf("paper %s: ticker %s: %w", e.cfg.Venue, symbol, domain.ErrNotFound)
	}
	return domain.TickerInfo{Symbol: symbol, LastPrice: book.Mid(), QuoteVolume24h: e.volumes[symbol]}, nil
}

func (e *Exchange) GetTradingRules(_ context.Context, symbol string) (domain.SymbolTradingRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTradingRules"); err != nil {
		return domain.SymbolTradingRules{}, err
	}
	if r, ok := e.rules[symbol]; ok {
		return r, nil
	}
	r := e.cfg.DefaultRules
	r.Symbol = symbol
	return r, nil
}

func (e *Exchange) GetWalletStatus(_ context.Context, asset string) (domain.WalletStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetWalletStatus"); err != nil {
		return domain.WalletStatus{}, err
	}
	if ws, ok := e.wallets[asset]; ok {
		return ws, nil
	}
	return domain.WalletStatus{Asset: asset, CanDeposit: true, CanWithdraw: true}, nil
}

func (e *Exchange) GetDepositAddress(_ context.Context, asset string) (domain.DepositAddress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetDepositAddress"); err != nil {
		return domain.DepositAddress{}, err
	}
	return domain.DepositAddress{Asset: asset, Address: address(e.cfg.Venue, asset)}, nil
}

func (e *Exchange) GetWithdrawalChance(_ context.Context, asset string) (domain.WithdrawalChance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetWithdrawalChance"); err != nil {
		return domain.WithdrawalChance{}, err
	}
	return domain.WithdrawalChance{Asset: asset, Fee: e.cfg.WithdrawFee[asset], Min: e.cfg.WithdrawMin[asset]}, nil
}

func (e *Exchange) Withdraw(_ context.Context, req domain.WithdrawRequest) (domain.Withdrawal, error) {
	e.mu.Lock()
	if err := e.enter("Withdraw"); err != nil {
		e.mu.Unlock()
		return domain.Withdrawal{}, err
	}
	if ws, ok := e.wallets[req.Asset]; ok && !ws.CanWithdraw {
		e.mu.Unlock()
		return domain.Withdrawal{}, fmt.Errorf("paper %s: withdraw %s: %w", e.cfg.Venue, req.Asset, domain.ErrWalletDisabled)
	}
	fee := e.cfg.WithdrawFee[req.Asset]
	bal := e.balance(e.spot, req.Asset)
	if req.Amount <= fee || bal.Free+1e-9 < req.Amount {
		e.mu.Unlock()
		return domain.Withdrawal{}, fmt.Errorf("paper %s: withdraw %.8f %s (free %.8f): %w",
			e.cfg.Venue, req.Amount, req.Asset, bal.Free, domain.ErrInsufficientFunds)
	}
	bal.Free -= req.Amount
	e.seq++
	w := domain.Withdrawal{
		ID:     fmt.Sprintf("%s-w%d", e.cfg.Venue, e.seq),
		Asset:  req.Asset,
		Amount: req.Amount,
		Fee:    fee,
		TxID:   fmt.Sprintf("tx-%s-%d", e.cfg.Venue, e.seq),
	}
	e.mu.Unlock()

	dest := e.net.lookup(req.Address.Address)
	if dest == nil {
		return w, nil
	}
	dest.receive(w.TxID, req.Asset, req.Amount-fee)
	return w, nil
}

func (e *Exchange) GetDepositHistory(_ context.Context, asset string, since time.Time) ([]domain.Deposit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetDepositHistory"); err != nil {
		return nil, err
	}
	var out []domain.Deposit
	for _, d := range e.history {
		if d.Asset == asset && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *Exchange) CreateFuturesOrder(_ context.Context, req domain.FuturesOrderRequest) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateFuturesOrder"); err != nil {
		return domain.Order{}, err
	}
	mark := e.books[req.Symbol].Mid()
	if mark <= 0 || req.Quantity <= 0 {
		return domain.Order{}, fmt.Errorf("paper %s: futures %s: %w", e.cfg.Venue, req.Symbol, domain.ErrOrderRejected)
	}
	lev := float64(max(req.Leverage, 1))
	fee := req.Quantity * mark * e.cfg.FuturesFeeBps / 10_000
	usdt := e.balance(e.futures, "USDT")
	pos := e.positions[req.Symbol]

	switch {
	case req.Side == domain.OrderSideSell && !req.ReduceOnly:
		need := req.Quantity*mark/lev + fee
		if usdt.Free+1e-9 < need {
			return domain.Order{}, fmt.Errorf("paper %s: futures margin %.2f < %.2f: %w",
				e.cfg.Venue, usdt.Free, need, domain.ErrInsufficientFunds)
		}
		if pos == nil {
			pos = &position{}
			e.positions[req.Symbol] = pos
		}
		pos.entry = (pos.entry*pos.qty + mark*req.Quantity) / (pos.qty + req.Quantity)
		pos.qty += req.Quantity
		usdt.Free -= fee
	case req.Side == domain.OrderSideBuy && req.ReduceOnly:
		if pos == nil || pos.qty+1e-9 < req.Quantity {
			return domain.Order{}, fmt.Errorf("paper %s: reduce-only %s exceeds position: %w",
				e.cfg.Venue, req.Symbol, domain.ErrOrderRejected)
		}
		pos.qty -= req.Quantity
		usdt.Free += (pos.entry-mark)*req.Quantity - fee
		if pos.qty <= 1e-12 {
			delete(e.positions, req.Symbol)
		}
	default:
		return domain.Order{}, fmt.Errorf("paper %s: futures side %s reduce=%t unsupported: %w",
			e.cfg.Venue, req.Side, req.ReduceOnly, domain.ErrOrderRejected)
	}

	e.seq++
	now := e.clock.Now()
	return domain.Order{
		ID:           fmt.Sprintf("%s-f%d", e.cfg.Venue, e.seq),
		Venue:        e.cfg.Venue,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         domain.OrderTypeMarket,
		Price:        mark,
		Quantity:     req.Quantity,
		FilledQty:    req.Quantity,
		AvgFillPrice: mark,
		Fee:          fee,
		Status:       domain.OrderStatusFilled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (e *Exchange) GetFuturesBalances(context.Context) (domain.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetFuturesBalances"); err != nil {
		return nil, err
	}
	return snapshot(e.futures), nil
}

func (e *Exchange) InternalTransfer(_ context.Context, asset string, amount float64, from, to domain.WalletKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("InternalTransfer"); err != nil {
		return err
	}
	src, dst := e.wallet(from), e.wallet(to)
	if src == nil || dst == nil || from == to {
		return fmt.Errorf("paper %s: transfer %s -> %s: %w", e.cfg.Venue, from, to, domain.ErrValidation)
	}
	sb := e.balance(src, asset)
	if amount <= 0 || sb.Free+1e-9 < amount {
		return fmt.Errorf("paper %s: transfer %.8f %s (free %.8f): %w",
			e.cfg.Venue, amount, asset, sb.Free, domain.ErrInsufficientFunds)
	}
	sb.Free -= amount
	e.balance(dst, asset).Free += amount
	return nil
}

// ---------------------------------------------------------------------------
// Internals. All helpers below expect e.mu held.
// ---------------------------------------------------------------------------

func (e *Exchange) wallet(k domain.WalletKind) map[string]*domain.Balance {
	switch k {
	case domain.WalletSpot:
		return e.spot
	case domain.WalletFutures:
		return e.futures
	}
	return nil
}

func (e *Exchange) balance(m map[string]*domain.Balance, asset string) *domain.Balance {
	b, ok := m[asset]
	if !ok {
		b = &domain.Balance{Asset: asset}
		m[asset] = b
	}
	return b
}

func (e *Exchange) release(o *order) {
	if o.locked <= 0 {
		return
	}
	b := e.balance(e.spot, o.lockedAsset)
	b.Locked -= o.locked
	b.Free += o.locked
	o.locked = 0
}

// matchLocked fills open orders that cross the book or have rested long
// enough under the current FillBehavior.
func (e *Exchange) matchLocked() {
	if e.fill.Never {
		return
	}
	now := e.clock.Now()
	for _, o := range e.orders {
		if o.Status.Done() || now.Sub(o.CreatedAt) < e.fill.Delay {
			continue
		}
		book := e.books[o.Symbol]
		var px float64
		switch {
		case o.Side == domain.OrderSideBuy && book.BestAsk() > 0 && o.Price >= book.BestAsk():
			px = book.BestAsk()
		case o.Side == domain.OrderSideSell && book.BestBid() > 0 && o.Price <= book.BestBid():
			px = book.BestBid()
		case e.fill.RestingAfter > 0 && now.Sub(o.CreatedAt) >= e.fill.RestingAfter:
			px = o.Price
		default:
			continue
		}
		qty := o.Remaining()
		if r := e.fill.PartialRatio; r > 0 && r < 1 && o.FilledQty == 0 {
			qty = o.Quantity * r
		}
		e.execute(o, qty, px, now)
	}
}

func (e *Exchange) execute(o *order, qty, px float64, now time.Time) {
	fee := qty * px * e.cfg.TakerFeeBps / 10_000
	quote := e.balance(e.spot, e.cfg.Quote)
	base := e.balance(e.spot, o.Symbol)
	if o.Side == domain.OrderSideBuy {
		cost := qty*px + fee
		spend := math.Min(cost, o.locked)
		quote.Locked -= spend
		o.locked -= spend
		base.Free += qty
	} else {
		base.Locked -= qty
		o.locked -= qty
		quote.Free += qty*px - fee
	}
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + px*qty) / (o.FilledQty + qty)
	o.FilledQty += qty
	o.Fee += fee
	o.UpdatedAt = now
	if o.Remaining() <= 1e-12 {
		o.Status = domain.OrderStatusFilled
		e.release(o)
	} else {
		o.Status = domain.OrderStatusPartial
	}
}

func (e *Exchange) settleLocked() {
	now := e.clock.Now()
	kept := e.incoming[:0]
	for _, p := range e.incoming {
		if p.arriveAt.After(now) {
			kept = append(kept, p)
			continue
		}
		e.balance(e.spot, p.deposit.Asset).Free += p.deposit.Amount
		p.deposit.Status = domain.DepositCompleted
		e.history = append(e.history, p.deposit)
	}
	e.incoming = kept
}

func (e *Exchange) receive(txID, asset string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan := e.plan
	if len(plan) == 0 {
		plan = []DepositChunk{{Fraction: 1}}
	}
	now := e.clock.Now()
	for i, c := range plan {
		e.seq++
		e.incoming = append(e.incoming, pending{
			deposit: domain.Deposit{
				ID:        fmt.Sprintf("%s-d%d", e.cfg.Venue, e.seq),
				Asset:     asset,
				Amount:    amount * c.Fraction,
				TxID:      fmt.Sprintf("%s/%d", txID, i),
				Status:    domain.DepositPending,
				CreatedAt: now,
			},
			arriveAt: now.Add(c.After),
		})
	}
	e.settleLocked()
}

func (n *Network) lookup(addr string) *Exchange {
	if n == nil {
		return nil
	}
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 || parts[0] != "paper" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.venues[domain.Venue(parts[1])]
}

func address(v domain.Venue, asset string) string {
	return fmt.Sprintf("paper:%s:%s", v, asset)
}

func snapshot(m map[string]*domain.Balance) domain.Balances {
	out := make(domain.Balances, len(m))
	for k, b := range m {
		out[k] = *b
	}
	return out
}
