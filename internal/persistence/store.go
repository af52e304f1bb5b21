// Package persistence is the append-only record of everything the system
// decided and did: signals, orders, completed trades, and periodic metric
// samples. Only the semantic fields matter; the schema is free to evolve.
package persistence

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amuzetnoM/herald/internal/models"
)

// SignalRecord is one persisted strategy signal.
type SignalRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SignalID   string `gorm:"uniqueIndex;size:64"`
	EmitTime   time.Time
	Symbol     string `gorm:"size:32;index"`
	Side       string `gorm:"size:8"`
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	Strategy   string `gorm:"size:64"`
	CreatedAt  time.Time
}

// OrderRecord is one persisted order submission and its outcome.
type OrderRecord struct {
	ID         uint   `gorm:"primaryKey"`
	ClientTag  string `gorm:"size:64;index"`
	SignalID   string `gorm:"size:64"`
	Symbol     string `gorm:"size:32"`
	Side       string `gorm:"size:8"`
	OrderType  string `gorm:"size:16"`
	Volume     float64
	Price      float64
	Status     string `gorm:"size:24;index"`
	Ticket     int64  `gorm:"index"`
	FillPrice  float64
	FillVolume float64
	Reason     string
	CreatedAt  time.Time
}

// TradeRecord pairs a position's open and close into one row, keyed by
// ticket. ClosedExternally marks exits this process did not perform.
type TradeRecord struct {
	ID               uint   `gorm:"primaryKey"`
	Ticket           int64  `gorm:"index"`
	Symbol           string `gorm:"size:32;index"`
	Side             string `gorm:"size:8"`
	Volume           float64
	OpenPrice        float64
	OpenTime         time.Time
	ClosePrice       float64
	CloseTime        time.Time
	Realized         float64
	Commission       float64
	Swap             float64
	Reason           string `gorm:"size:48"`
	Origin           string `gorm:"size:16"`
	ClosedExternally bool
	CreatedAt        time.Time
}

// MetricSample is one periodic loop snapshot.
type MetricSample struct {
	ID             uint `gorm:"primaryKey"`
	At             time.Time
	Balance        float64
	Equity         float64
	RealizedToday  float64
	OpenPositions  int
	TickDurationMs int64
	CreatedAt      time.Time
}

// Store wraps the sqlite database. Writes are synchronous but cheap; the
// loop calls them between suspension points.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open creates or opens the store at path (":memory:" for tests) and runs
// migrations. WAL keeps writers from blocking the ops server's reads.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&SignalRecord{}, &OrderRecord{}, &TradeRecord{}, &MetricSample{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveSignal appends one strategy signal.
func (s *Store) SaveSignal(sig *models.Signal) error {
	rec := SignalRecord{
		SignalID:   sig.ID,
		EmitTime:   sig.EmitTime,
		Symbol:     sig.Symbol,
		Side:       string(sig.Side),
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		Strategy:   sig.Strategy,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("persistence: save signal %s: %w", sig.ID, err)
	}
	return nil
}

// SaveOrder appends one order submission with its outcome.
func (s *Store) SaveOrder(req *models.OrderRequest, out *models.OrderOutcome) error {
	rec := OrderRecord{
		ClientTag: req.ClientTag,
		SignalID:  req.SignalID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		OrderType: string(req.Type),
		Volume:    req.Volume,
		Price:     req.Price,
		Status:    string(out.Status),
		Ticket:    out.Ticket,
		Reason:    out.Reason,
	}
	if out.Status == models.OrderFilled || out.Status == models.OrderPartiallyFilled {
		rec.FillPrice = out.Price
		rec.FillVolume = out.Volume
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("persistence: save order %s: %w", req.ClientTag, err)
	}
	return nil
}

// SaveTrade appends one completed (full or partial) close of a position.
func (s *Store) SaveTrade(rec *models.PositionRecord, exitPrice, realized, volume float64, closeTime time.Time, reason string, external bool) error {
	row := TradeRecord{
		Ticket:           rec.Ticket,
		Symbol:           rec.Symbol,
		Side:             string(rec.Side),
		Volume:           volume,
		OpenPrice:        rec.OpenPrice,
		OpenTime:         rec.OpenTime,
		ClosePrice:       exitPrice,
		CloseTime:        closeTime,
		Realized:         realized,
		Commission:       rec.Commission,
		Swap:             rec.Swap,
		Reason:           reason,
		Origin:           string(rec.Origin),
		ClosedExternally: external,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("persistence: save trade %d: %w", rec.Ticket, err)
	}
	return nil
}

// SaveMetricSample appends one loop snapshot.
func (s *Store) SaveMetricSample(m *MetricSample) error {
	if err := s.db.Create(m).Error; err != nil {
		return fmt.Errorf("persistence: save metric sample: %w", err)
	}
	return nil
}

// Trades returns the most recent trades, newest first.
func (s *Store) Trades(limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	q := s.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("persistence: load trades: %w", err)
	}
	return out, nil
}

// TradesForTicket returns every trade row for one ticket, oldest first.
func (s *Store) TradesForTicket(ticket int64) ([]TradeRecord, error) {
	var out []TradeRecord
	if err := s.db.Where("ticket = ?", ticket).Order("id asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("persistence: load trades for %d: %w", ticket, err)
	}
	return out, nil
}

// RealizedSince sums realised P&L of trades closed at or after t. Used to
// rebuild the daily accumulator after a restart.
func (s *Store) RealizedSince(t time.Time) (float64, error) {
	var total float64
	err := s.db.Model(&TradeRecord{}).
		Where("close_time >= ?", t).
		Select("COALESCE(SUM(realized), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("persistence: realized since %s: %w", t, err)
	}
	return total, nil
}

// Close flushes and closes the database. Called synchronously at shutdown.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("persistence: close: %w", err)
	}
	return sqlDB.Close()
}
