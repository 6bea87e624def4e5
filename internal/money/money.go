// Package money holds the rounding and sanitizing rules applied to every
// monetary figure before it is compared or persisted.
package money

import (
	"log/slog"
	"math"

	"github.com/shopspring/decimal"
)

// Floor4 floors v to four decimal places. Non-finite input yields zero.
func Floor4(v float64) float64 {
	if !Finite(v) {
		return 0
	}
	return decimal.NewFromFloat(v).Shift(4).Floor().Shift(-4).InexactFloat64()
}

// Pct returns floor4(part/whole*100), zero when whole is zero.
func Pct(part, whole float64) float64 {
	if whole == 0 || !Finite(part) || !Finite(whole) {
		return 0
	}
	return Floor4(part / whole * 100)
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Sanitize clamps a non-finite value to zero and logs a warning naming field.
func Sanitize(logger *slog.Logger, field string, v float64) float64 {
	if Finite(v) {
		return v
	}
	if logger != nil {
		logger.Warn("non-finite monetary value clamped to zero",
			slog.String("field", field),
			slog.Float64("value", v),
		)
	}
	return 0
}
