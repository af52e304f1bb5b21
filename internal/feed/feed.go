// Package feed pulls bounded bar windows from the broker and normalises them
// into an ordered, deduplicated series with new-bar detection.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/models"
)

// Feed fetches the most recent lookback bars for one symbol+timeframe every
// tick. It remembers the last seen bar-open time so the loop can skip entry
// logic on ticks without a new closed bar.
type Feed struct {
	broker   broker.Broker
	symbol   string
	tf       models.Timeframe
	lookback int
	logger   *logrus.Logger

	cache    *gocache.Cache
	lastOpen time.Time
}

// New builds a Feed. The cache retains the last good window for a few
// timeframes so a transient broker fault does not blind exit evaluation.
func New(b broker.Broker, symbol string, tf models.Timeframe, lookback int, logger *logrus.Logger) *Feed {
	ttl := 3 * tf.Duration()
	return &Feed{
		broker:   b,
		symbol:   symbol,
		tf:       tf,
		lookback: lookback,
		logger:   logger,
		cache:    gocache.New(ttl, ttl),
	}
}

func (f *Feed) cacheKey() string {
	return f.symbol + "|" + string(f.tf)
}

// Fetch returns the normalised bar window and whether it contains a bar not
// seen on the previous call. On broker failure it serves the last cached
// window (reported as no-new-bar) when one is still fresh.
func (f *Feed) Fetch(ctx context.Context) ([]models.Bar, bool, error) {
	raw, err := f.broker.Bars(ctx, f.symbol, f.tf, f.lookback)
	if err != nil {
		if cached, ok := f.cache.Get(f.cacheKey()); ok {
			f.logger.WithFields(logrus.Fields{
				"symbol":    f.symbol,
				"timeframe": f.tf,
			}).Warnf("bar fetch failed, serving cached window: %v", err)
			return cached.([]models.Bar), false, nil
		}
		return nil, false, fmt.Errorf("fetch bars %s %s: %w", f.symbol, f.tf, err)
	}
	bars := Normalize(raw)
	if len(bars) == 0 {
		return nil, false, fmt.Errorf("fetch bars %s %s: empty window", f.symbol, f.tf)
	}

	f.cache.SetDefault(f.cacheKey(), bars)

	latest := bars[len(bars)-1].OpenTime
	newBar := !latest.Equal(f.lastOpen)
	f.lastOpen = latest
	return bars, newBar, nil
}

// LastOpen exposes the open time of the newest bar seen so far.
func (f *Feed) LastOpen() time.Time { return f.lastOpen }

// Normalize sorts bars by open time ascending and drops duplicates, keeping
// the last occurrence of each open time.
func Normalize(in []models.Bar) []models.Bar {
	if len(in) == 0 {
		return nil
	}
	bars := append([]models.Bar(nil), in...)
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].OpenTime.Before(bars[j].OpenTime)
	})
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(b.OpenTime) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
