package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuzetnoM/herald/internal/exec"
	"github.com/amuzetnoM/herald/internal/mock"
	"github.com/amuzetnoM/herald/internal/models"
	"github.com/amuzetnoM/herald/internal/position"
)

const testMagic int64 = 777001

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func adoptAll() position.AdoptionPolicy {
	return position.AdoptionPolicy{Enabled: true, MaxAge: 72 * time.Hour}
}

func newFixture(t *testing.T, policy position.AdoptionPolicy) (*mock.Broker, *position.Tracker) {
	t.Helper()
	b := mock.NewBroker()
	require.NoError(t, b.Connect(context.Background()))
	engine := exec.NewEngine(b, exec.Config{Magic: testMagic}, quietLogger())
	return b, position.NewTracker(b, engine, testMagic, policy, quietLogger())
}

func nativeRecord(ticket int64) *models.PositionRecord {
	return &models.PositionRecord{
		Ticket:    ticket,
		Symbol:    "EURUSD",
		Side:      models.SideLong,
		Volume:    0.10,
		OpenPrice: 1.1000,
		OpenTime:  time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Magic:     testMagic,
	}
}

func TestRegisterDuplicateIgnored(t *testing.T) {
	_, tr := newFixture(t, adoptAll())

	first := nativeRecord(1)
	tr.Register(first)

	dup := nativeRecord(1)
	dup.Volume = 99
	tr.Register(dup)

	rec, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0.10, rec.Volume, "duplicate registration must not overwrite")

	_, total := tr.Counts("EURUSD")
	assert.Equal(t, 1, total)
}

func TestRegisterDefaults(t *testing.T) {
	_, tr := newFixture(t, adoptAll())
	tr.Register(nativeRecord(2))

	rec, _ := tr.Get(2)
	assert.Equal(t, models.OriginNative, rec.Origin)
	assert.False(t, rec.FirstSeen.IsZero())
	assert.Equal(t, 1.1000, rec.CurrentPrice, "current price defaults to open price")
}

func TestMonitorRefreshesFromBroker(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	rec := nativeRecord(ticket)
	tr.Register(rec)

	b.SetPrice("EURUSD", 1.1050)
	active, closed, err := tr.Monitor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, closed)
	require.Len(t, active, 1)
	assert.Equal(t, 1.1050, active[0].CurrentPrice)
	assert.InDelta(t, 0.10*(1.1050-1.1000), active[0].UnrealizedPnL, 1e-9)
}

func TestMonitorDetectsExternalClose(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	b.SetPrice("EURUSD", 1.1020)
	_, _, err := tr.Monitor(context.Background())
	require.NoError(t, err)

	var removed []int64
	tr.OnRemove(func(tk int64) { removed = append(removed, tk) })

	b.RemovePosition(ticket)
	active, closed, err := tr.Monitor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].External)
	assert.Equal(t, "closed_externally", closed[0].Reason)
	assert.Equal(t, 1.1020, closed[0].ExitPrice, "exit price is the last known price")
	assert.Equal(t, []int64{ticket}, removed)

	_, ok := tr.Get(ticket)
	assert.False(t, ok)
}

func TestCloseFullRealizesPnL(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	b.SetPrice("EURUSD", 1.1100)
	_, _, err := tr.Monitor(context.Background())
	require.NoError(t, err)

	cp, err := tr.Close(context.Background(), ticket, 0, models.ExitReasonProfitTarget)
	require.NoError(t, err)
	assert.InDelta(t, 0.10*(1.1100-1.1000), cp.Realized, 1e-9)
	assert.Equal(t, 0.10, cp.Volume)
	assert.Equal(t, models.ExitReasonProfitTarget, cp.Reason)

	_, ok := tr.Get(ticket)
	assert.False(t, ok)
	_, ok = b.Position(ticket)
	assert.False(t, ok)
}

func TestClosePartialShrinksRecord(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	b.SetPrice("EURUSD", 1.1100)
	_, _, err := tr.Monitor(context.Background())
	require.NoError(t, err)

	cp, err := tr.Close(context.Background(), ticket, 0.05, models.ExitReasonProfitTarget)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, cp.Volume, 1e-9)
	assert.InDelta(t, 0.05*(1.1100-1.1000), cp.Realized, 1e-9)

	rec, ok := tr.Get(ticket)
	require.True(t, ok)
	assert.InDelta(t, 0.05, rec.Volume, 1e-9)
	assert.InDelta(t, cp.Realized, rec.RealizedPnL, 1e-9)
}

func TestCloseUntrackedTicket(t *testing.T) {
	_, tr := newFixture(t, adoptAll())
	_, err := tr.Close(context.Background(), 424242, 0, models.ExitReasonManual)
	assert.Error(t, err)
}

func TestCloseAllFlattens(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	for i := 0; i < 3; i++ {
		ticket := b.AddPosition(*nativeRecord(0))
		tr.Register(nativeRecord(ticket))
	}

	results := tr.CloseAll(context.Background(), models.ExitReasonEmergencyDrawdown)
	assert.Len(t, results, 3)
	assert.Empty(t, tr.Tickets())
}

func TestReconcileAdoptsOrphan(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	orphan := *nativeRecord(0)
	orphan.OpenTime = time.Now().UTC().Add(-2 * time.Hour)
	ticket := b.AddPosition(orphan)

	report, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{ticket}, report.Adopted)
	assert.Empty(t, report.Orphans)

	rec, ok := tr.Get(ticket)
	require.True(t, ok)
	assert.Equal(t, models.OriginAdopted, rec.Origin)
	assert.False(t, rec.FirstSeen.IsZero())
}

func TestReconcileRefusesStaleOrphan(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	stale := *nativeRecord(0)
	stale.OpenTime = time.Now().UTC().Add(-80 * time.Hour)
	ticket := b.AddPosition(stale)

	report, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Adopted)
	assert.Equal(t, []int64{ticket}, report.Orphans)

	_, ok := tr.Get(ticket)
	assert.False(t, ok, "refused orphans stay unmanaged")
}

func TestReconcilePolicyFilters(t *testing.T) {
	tests := []struct {
		name   string
		policy position.AdoptionPolicy
		adopt  bool
	}{
		{"disabled", position.AdoptionPolicy{Enabled: false}, false},
		{"log only", position.AdoptionPolicy{Enabled: true, LogOnly: true}, false},
		{"ignore list", position.AdoptionPolicy{Enabled: true, IgnoreSymbols: []string{"EURUSD"}}, false},
		{"not on adopt list", position.AdoptionPolicy{Enabled: true, AdoptSymbols: []string{"GBPUSD"}}, false},
		{"on adopt list", position.AdoptionPolicy{Enabled: true, AdoptSymbols: []string{"EURUSD"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, tr := newFixture(t, tt.policy)
			orphan := *nativeRecord(0)
			orphan.OpenTime = time.Now().UTC().Add(-time.Hour)
			b.AddPosition(orphan)

			report, err := tr.Reconcile(context.Background())
			require.NoError(t, err)
			if tt.adopt {
				assert.Len(t, report.Adopted, 1)
			} else {
				assert.Empty(t, report.Adopted)
				assert.Len(t, report.Orphans, 1)
			}
		})
	}
}

func TestReconcileDropsVanished(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	b.RemovePosition(ticket)

	var removed []int64
	tr.OnRemove(func(tk int64) { removed = append(removed, tk) })

	report, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Dropped, 1)
	assert.True(t, report.Dropped[0].External)
	assert.Equal(t, []int64{ticket}, removed)
	assert.Empty(t, tr.Tickets())
}

func TestReconcileRefreshesTracked(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	b.SetPrice("EURUSD", 1.1075)

	report, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{ticket}, report.Refreshed)

	rec, _ := tr.Get(ticket)
	assert.Equal(t, 1.1075, rec.CurrentPrice)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	_, tr := newFixture(t, adoptAll())
	rec := nativeRecord(5)
	rec.Metadata = map[string]string{"k": "v"}
	tr.Register(rec)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Metadata["k"] = "changed"
	snap[0].Volume = 99

	live, _ := tr.Get(5)
	assert.Equal(t, "v", live.Metadata["k"])
	assert.Equal(t, 0.10, live.Volume)
}

func TestNewRecordFromFill(t *testing.T) {
	req := &models.OrderRequest{
		Symbol: "EURUSD", Side: models.OrderSell, StopLoss: 1.12, TakeProfit: 1.08,
		Magic: testMagic, Comment: "herald sma_crossover",
	}
	out := &models.OrderOutcome{
		Ticket: 42, Price: 1.1000, Volume: 0.10,
		FillTime: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	rec := position.NewRecordFromFill(req, out)
	assert.Equal(t, models.SideShort, rec.Side)
	assert.Equal(t, int64(42), rec.Ticket)
	assert.Equal(t, 1.1000, rec.OpenPrice)
	assert.Equal(t, models.OriginNative, rec.Origin)
	assert.Equal(t, out.FillTime, rec.FirstSeen)
}

func TestMonitorKeepsSyntheticRecords(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	// one venue-backed position and one synthesised dry-run fill
	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))
	tr.Register(nativeRecord(900000001))

	b.SetPrice("EURUSD", 1.1050)
	active, closed, err := tr.Monitor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, closed, "a ticket the venue cannot know is not an external close")
	assert.Len(t, active, 2)

	rec, ok := tr.Get(900000001)
	require.True(t, ok)
	assert.Equal(t, 1.1000, rec.CurrentPrice, "synthetic records are priced by MarkToMarket, not Monitor")
}

func TestReconcileKeepsSyntheticRecords(t *testing.T) {
	_, tr := newFixture(t, adoptAll())
	tr.Register(nativeRecord(900000001))

	report, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Dropped)

	_, ok := tr.Get(900000001)
	assert.True(t, ok)
}

func TestMarkToMarketPricesSyntheticRecords(t *testing.T) {
	b, tr := newFixture(t, adoptAll())

	ticket := b.AddPosition(*nativeRecord(0))
	tr.Register(nativeRecord(ticket))

	tr.Register(nativeRecord(900000001))
	short := nativeRecord(900000002)
	short.Side = models.SideShort
	tr.Register(short)

	tr.MarkToMarket("EURUSD", 1.1200, 100000)

	long, _ := tr.Get(900000001)
	assert.Equal(t, 1.1200, long.CurrentPrice)
	assert.InDelta(t, (1.1200-1.1000)*0.10*100000, long.UnrealizedPnL, 1e-6)

	shorted, _ := tr.Get(900000002)
	assert.InDelta(t, -(1.1200-1.1000)*0.10*100000, shorted.UnrealizedPnL, 1e-6)

	venueBacked, _ := tr.Get(ticket)
	assert.Equal(t, 1.1000, venueBacked.CurrentPrice, "venue-backed records are left to Monitor")
}
