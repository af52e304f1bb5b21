package mock

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/amuzetnoM/herald/internal/models"
)

// Replay is a broker fed from a recorded bar file. Each Bars call reveals one
// more bar of the recording and moves the market (and the broker clock) with
// it, so a dry run replays history deterministically end to end.
type Replay struct {
	*Broker
	symbol string
	tf     models.Timeframe
	all    []models.Bar
	cursor int
}

// NewReplay loads the CSV at path (time,open,high,low,close,volume; RFC3339
// or unix-seconds timestamps) and starts with warmup bars already visible.
func NewReplay(path, symbol string, tf models.Timeframe, warmup int) (*Replay, error) {
	bars, err := LoadBarsCSV(path, symbol, tf)
	if err != nil {
		return nil, err
	}
	if warmup <= 0 || warmup > len(bars) {
		warmup = len(bars) / 2
	}
	r := &Replay{
		Broker: NewBroker(),
		symbol: symbol,
		tf:     tf,
		all:    bars,
		cursor: warmup,
	}
	r.advance(0)
	return r, nil
}

// Remaining reports how many recorded bars have not been revealed yet.
func (r *Replay) Remaining() int { return len(r.all) - r.cursor }

// Bars reveals the next recorded bar, updates prices and the broker clock,
// then serves the window from the underlying book.
func (r *Replay) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	if symbol == r.symbol && tf == r.tf {
		r.advance(1)
	}
	return r.Broker.Bars(ctx, symbol, tf, count)
}

func (r *Replay) advance(n int) {
	r.cursor += n
	if r.cursor > len(r.all) {
		r.cursor = len(r.all)
	}
	window := r.all[:r.cursor]
	r.SetBars(r.symbol, r.tf, window)
	if len(window) > 0 {
		last := window[len(window)-1]
		r.SetServerTime(last.OpenTime.Add(r.tf.Duration()))
		r.SetPrice(r.symbol, last.Close)
	}
}

// LoadBarsCSV parses a recorded bar file.
func LoadBarsCSV(path, symbol string, tf models.Timeframe) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replay: parse %s: %w", path, err)
	}

	var bars []models.Bar
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("replay: %s row %d: want 6 columns, got %d", path, i+1, len(row))
		}
		if i == 0 && row[0] == "time" {
			continue
		}
		openTime, err := parseBarTime(row[0])
		if err != nil {
			return nil, fmt.Errorf("replay: %s row %d: %w", path, i+1, err)
		}
		vals := make([]float64, 4)
		for j := 1; j <= 4; j++ {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil {
				return nil, fmt.Errorf("replay: %s row %d col %d: %w", path, i+1, j+1, err)
			}
			vals[j-1] = v
		}
		volume, err := strconv.ParseInt(row[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: %s row %d volume: %w", path, i+1, err)
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  openTime,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    volume,
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("replay: %s contains no bars", path)
	}
	return bars, nil
}

func parseBarTime(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}
