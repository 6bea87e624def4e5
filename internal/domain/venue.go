package domain

import (
	"fmt"
	"time"
)

// Venue names an exchange, e.g. "upbit" or "binance".
type Venue string

// VenuePair is the two venues the engine arbitrages between: KRW is the
// won-denominated venue, USD the dollar (USDT) denominated one.
type VenuePair struct {
	KRW Venue
	USD Venue
}

// Direction is the market regime a cycle was opened in.
type Direction string

const (
	// DirectionNormal sells into the premium first: buy on the USD venue,
	// transfer, sell on the KRW venue.
	DirectionNormal Direction = "NORMAL"
	// DirectionReverse buys the discount first: buy on the KRW venue,
	// transfer, sell on the USD venue.
	DirectionReverse Direction = "REVERSE"
)

// Opposite returns the direction of the second leg of a cycle.
func (d Direction) Opposite() Direction {
	if d == DirectionReverse {
		return DirectionNormal
	}
	return DirectionReverse
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionNormal || d == DirectionReverse
}

// Route returns the venue a leg in direction d buys on and the venue it sells on.
func (p VenuePair) Route(d Direction) (buy, sell Venue) {
	if d == DirectionReverse {
		return p.KRW, p.USD
	}
	return p.USD, p.KRW
}

// QuoteAsset returns the cash asset a venue of the pair is quoted in.
func (p VenuePair) QuoteAsset(v Venue) string {
	if v == p.KRW {
		return "KRW"
	}
	return "USDT"
}

// Validate checks that both venues are named and distinct.
func (p VenuePair) Validate() error {
	if p.KRW == "" || p.USD == "" {
		return fmt.Errorf("venue pair: both venues must be set: %w", ErrValidation)
	}
	if p.KRW == p.USD {
		return fmt.Errorf("venue pair: %q used on both sides: %w", p.KRW, ErrValidation)
	}
	return nil
}

// PriceTick is one price observation pushed by a feed.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Venue     Venue     `json:"venue"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
