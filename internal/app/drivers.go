package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/kimpbot/internal/config"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Driver builds the ExchangePort of a real venue. quote is "KRW" or "USDT".
// Venue adapters live outside this module and register themselves with
// RegisterDriver; "paper" is built in.
type Driver func(ctx context.Context, venue config.VenueConfig, quote string) (domain.ExchangePort, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// RegisterDriver makes a venue driver available under name. It panics on a
// duplicate or reserved name.
func RegisterDriver(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if name == paperDriver {
		panic("app: driver name \"paper\" is reserved")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("app: driver %q registered twice", name))
	}
	drivers[name] = d
}

func lookupDriver(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	if d, ok := drivers[name]; ok {
		return d, nil
	}
	known := []string{paperDriver}
	for n := range drivers {
		known = append(known, n)
	}
	sort.Strings(known)
	return nil, fmt.Errorf("app: unknown venue driver %q (registered: %v)", name, known)
}
