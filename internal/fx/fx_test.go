package fx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

func TestStatic(t *testing.T) {
	r, err := Static(1400).Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1400.0, r)

	_, err = Static(0).Rate(context.Background())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nested":
			_, _ = w.Write([]byte(`{"data":[{"price":"1391.5"}]}`))
		case "/flat":
			_, _ = w.Write([]byte(`{"krw":1402.25}`))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"krw":"n/a"}`))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	r, err := NewHTTPSource(srv.URL+"/nested", "data.0.price", 0).Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1391.5, r)

	r, err = NewHTTPSource(srv.URL+"/flat", "krw", 0).Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1402.25, r)

	_, err = NewHTTPSource(srv.URL+"/busy", "krw", 0).Rate(ctx)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	_, err = NewHTTPSource(srv.URL+"/down", "krw", 0).Rate(ctx)
	assert.True(t, domain.IsRetryable(err))
	_, err = NewHTTPSource(srv.URL+"/garbage", "krw", 0).Rate(ctx)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = NewHTTPSource(srv.URL+"/flat", "usd", 0).Rate(ctx)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type seqSource struct {
	rates []float64
	errs  []error
	n     int
}

func (s *seqSource) Rate(context.Context) (float64, error) {
	i := s.n
	s.n++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	return s.rates[i], nil
}

func TestCached_TTLAndStaleFallback(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	src := &seqSource{
		rates: []float64{1400, 0, 0, 1410},
		errs:  []error{nil, domain.ErrNetwork, domain.ErrNetwork, nil},
	}
	c := NewCached(src, time.Minute, 5*time.Minute, clk)
	ctx := context.Background()

	r, err := c.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1400.0, r)

	clk.Advance(30 * time.Second)
	r, _ = c.Rate(ctx)
	assert.Equal(t, 1400.0, r)
	assert.Equal(t, 1, src.n, "served from cache")

	clk.Advance(2 * time.Minute)
	r, err = c.Rate(ctx)
	require.NoError(t, err, "stale rate served on refresh failure")
	assert.Equal(t, 1400.0, r)

	clk.Advance(10 * time.Minute)
	_, err = c.Rate(ctx)
	assert.ErrorIs(t, err, domain.ErrNetwork)

	r, err = c.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1410.0, r)
}
