package exchange

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Valuer reports the KRW-equivalent cash on both venues of a pair: KRW on
// the won venue, and USDT across spot and futures wallets on the dollar
// venue converted at the current FX rate.
type Valuer struct {
	pair     domain.VenuePair
	registry *Registry
	fx       domain.FXRateSource
}

// NewValuer creates a Valuer.
func NewValuer(pair domain.VenuePair, registry *Registry, fx domain.FXRateSource) *Valuer {
	return &Valuer{pair: pair, registry: registry, fx: fx}
}

// ValueBalances implements service.BalanceValuer.
func (v *Valuer) ValueBalances(ctx context.Context) (map[domain.Venue]float64, error) {
	krwPort, usdPort, err := v.registry.Pair(v.pair)
	if err != nil {
		return nil, err
	}

	krw, err := krwPort.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s balances: %w", v.pair.KRW, err)
	}
	spot, err := usdPort.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s balances: %w", v.pair.USD, err)
	}
	futures, err := usdPort.GetFuturesBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s futures balances: %w", v.pair.USD, err)
	}
	rate, err := v.fx.Rate(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: fx rate: %w", err)
	}

	usdt := spot["USDT"].Total() + futures["USDT"].Total()
	return map[domain.Venue]float64{
		v.pair.KRW: krw["KRW"].Total(),
		v.pair.USD: usdt * rate,
	}, nil
}
