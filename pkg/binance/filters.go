package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

// SymbolFilters fetches the LOT_SIZE and MIN_NOTIONAL constraints for a
// symbol from exchangeInfo.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (models.InstrumentFilter, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params)
	if err != nil {
		return models.InstrumentFilter{}, fmt.Errorf("exchange info %s: %w", symbol, err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return models.InstrumentFilter{}, fmt.Errorf("decode exchange info %s: %w", symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filter := models.InstrumentFilter{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				filter.StepSize = toFloat(f.StepSize)
			case "MIN_NOTIONAL":
				filter.MinNotional = toFloat(f.Notional)
			}
		}
		if filter.StepSize <= 0 {
			return models.InstrumentFilter{}, fmt.Errorf("exchange info %s: missing LOT_SIZE filter", symbol)
		}
		return filter, nil
	}
	return models.InstrumentFilter{}, fmt.Errorf("exchange info: symbol %s not found", symbol)
}

type filterFetcher interface {
	SymbolFilters(ctx context.Context, symbol string) (models.InstrumentFilter, error)
}

type cachedFilter struct {
	filter    models.InstrumentFilter
	fetchedAt time.Time
}

// FilterCache holds per-symbol exchange constraints with a bounded TTL.
// It is exchange-global and shared across all users; concurrent lookups
// for the same symbol collapse into one remote fetch. Fetch failures are
// returned to the caller — defaulting a step size risks an illegal order.
type FilterCache struct {
	fetcher filterFetcher
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]cachedFilter
	group   singleflight.Group
}

// DefaultFilterTTL is generous because exchange filters change rarely.
const DefaultFilterTTL = 12 * time.Hour

const filterFetchTimeout = 10 * time.Second

func NewFilterCache(fetcher filterFetcher, ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = DefaultFilterTTL
	}
	return &FilterCache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: make(map[string]cachedFilter),
	}
}

// FiltersFor returns the constraints for a symbol, fetching them on a
// cache miss or after TTL expiry.
func (fc *FilterCache) FiltersFor(ctx context.Context, symbol string) (models.InstrumentFilter, error) {
	fc.mu.RLock()
	entry, ok := fc.entries[symbol]
	fc.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < fc.ttl {
		return entry.filter, nil
	}

	v, err, _ := fc.group.Do(symbol, func() (interface{}, error) {
		// Another waiter may have refreshed the entry while this call
		// queued on the group.
		fc.mu.RLock()
		entry, ok := fc.entries[symbol]
		fc.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < fc.ttl {
			return entry.filter, nil
		}

		// Every queued waiter shares this one fetch; it must not die
		// with whichever caller happened to trigger it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), filterFetchTimeout)
		defer cancel()

		filter, err := fc.fetcher.SymbolFilters(fetchCtx, symbol)
		if err != nil {
			return models.InstrumentFilter{}, err
		}

		fc.mu.Lock()
		fc.entries[symbol] = cachedFilter{filter: filter, fetchedAt: time.Now()}
		fc.mu.Unlock()
		return filter, nil
	})
	if err != nil {
		return models.InstrumentFilter{}, err
	}
	return v.(models.InstrumentFilter), nil
}
