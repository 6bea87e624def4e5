package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const volumeTTL = 10 * time.Minute

// VolumeCache implements domain.VolumeCache with one string key per venue
// and symbol: "volume:{venue}:{symbol}".
type VolumeCache struct {
	c   *Client
	rdb *redis.Client
}

// NewVolumeCache creates a VolumeCache backed by c.
func NewVolumeCache(c *Client) *VolumeCache {
	return &VolumeCache{c: c, rdb: c.Underlying()}
}

func (vc *VolumeCache) volumeKey(venue domain.Venue, symbol string) string {
	return vc.c.key("volume", string(venue), symbol)
}

// SetVolume stores the 24h quote volume with a ten-minute TTL.
func (vc *VolumeCache) SetVolume(ctx context.Context, venue domain.Venue, symbol string, quoteVolume float64) error {
	v := strconv.FormatFloat(quoteVolume, 'f', -1, 64)
	if err := vc.rdb.Set(ctx, vc.volumeKey(venue, symbol), v, volumeTTL).Err(); err != nil {
		return fmt.Errorf("redis: set volume %s/%s: %w", venue, symbol, err)
	}
	return nil
}

// GetVolume returns the cached 24h quote volume, or domain.ErrNotFound.
func (vc *VolumeCache) GetVolume(ctx context.Context, venue domain.Venue, symbol string) (float64, error) {
	s, err := vc.rdb.Get(ctx, vc.volumeKey(venue, symbol)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("redis: volume %s/%s: %w", venue, symbol, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("redis: get volume %s/%s: %w", venue, symbol, err)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse volume %s/%s: %w", venue, symbol, err)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.VolumeCache = (*VolumeCache)(nil)
