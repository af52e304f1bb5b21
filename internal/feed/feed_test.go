package feed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/feed"
	"github.com/amuzetnoM/herald/internal/mock"
	"github.com/amuzetnoM/herald/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func makeBars(n int, start time.Time, tf models.Timeframe) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Symbol:    "EURUSD",
			Timeframe: tf,
			OpenTime:  start.Add(time.Duration(i) * tf.Duration()),
			Open:      1.10,
			High:      1.11,
			Low:       1.09,
			Close:     1.105,
			Volume:    100,
		}
	}
	return bars
}

func TestFetchDetectsNewBar(t *testing.T) {
	b := mock.NewBroker()
	require.NoError(t, b.Connect(context.Background()))
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	b.SetBars("EURUSD", models.TimeframeM15, makeBars(10, start, models.TimeframeM15))

	f := feed.New(b, "EURUSD", models.TimeframeM15, 200, quietLogger())

	bars, newBar, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, newBar, "first fetch always sees a new bar")
	assert.Len(t, bars, 10)

	_, newBar, err = f.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, newBar, "window unchanged, no new bar")

	b.AppendBar("EURUSD", models.TimeframeM15, models.Bar{
		Symbol: "EURUSD", Timeframe: models.TimeframeM15,
		OpenTime: start.Add(10 * 15 * time.Minute),
		Open:     1.105, High: 1.11, Low: 1.10, Close: 1.108, Volume: 90,
	})
	_, newBar, err = f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, newBar)
}

func TestFetchServesCacheOnBrokerFault(t *testing.T) {
	b := mock.NewBroker()
	require.NoError(t, b.Connect(context.Background()))
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	b.SetBars("EURUSD", models.TimeframeM15, makeBars(5, start, models.TimeframeM15))

	f := feed.New(b, "EURUSD", models.TimeframeM15, 200, quietLogger())
	_, _, err := f.Fetch(context.Background())
	require.NoError(t, err)

	b.SetBarsError(errors.New("terminal gone"))
	bars, newBar, err := f.Fetch(context.Background())
	require.NoError(t, err, "cached window should mask the fault")
	assert.False(t, newBar)
	assert.Len(t, bars, 5)
}

func TestFetchErrorsWithoutCache(t *testing.T) {
	b := mock.NewBroker()
	require.NoError(t, b.Connect(context.Background()))
	b.SetBarsError(errors.New("terminal gone"))

	f := feed.New(b, "EURUSD", models.TimeframeM15, 200, quietLogger())
	_, _, err := f.Fetch(context.Background())
	assert.Error(t, err)
}

func TestNormalizeSortsAndDeduplicates(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	in := []models.Bar{
		{OpenTime: start.Add(30 * time.Minute), Close: 3},
		{OpenTime: start, Close: 1},
		{OpenTime: start.Add(15 * time.Minute), Close: 2},
		{OpenTime: start.Add(15 * time.Minute), Close: 2.5}, // duplicate open, later wins
	}
	out := feed.Normalize(in)
	require.Len(t, out, 3)
	assert.Equal(t, 1.0, out[0].Close)
	assert.Equal(t, 2.5, out[1].Close)
	assert.Equal(t, 3.0, out[2].Close)
	assert.True(t, out[0].OpenTime.Before(out[1].OpenTime))
}
