package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloor4(t *testing.T) {
	assert.Equal(t, 5.8201, Floor4(5.820105820105))
	assert.Equal(t, -1.1, Floor4(-1.1))
	assert.Equal(t, -0.0001, Floor4(-0.00001))
	assert.Equal(t, 0.0, Floor4(math.NaN()))
	assert.Equal(t, 0.0, Floor4(math.Inf(1)))
}

func TestPct(t *testing.T) {
	assert.Equal(t, 1.2, Pct(12_000, 1_000_000))
	assert.Equal(t, 0.0, Pct(5, 0))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, 0.0, Sanitize(nil, "x", math.Inf(-1)))
	assert.Equal(t, 3.5, Sanitize(nil, "x", 3.5))
}
