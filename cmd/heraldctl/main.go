// Command heraldctl is the manual trade utility: list, open, and close
// positions on the same account the loop trades. Orders placed here carry
// the loop's magic tag, so a running herald adopts them at the next
// reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/broker"
	"github.com/amuzetnoM/herald/internal/config"
	"github.com/amuzetnoM/herald/internal/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		symbol     string
		side       string
		volume     float64
		list       bool
		closeTkt   int64
		closeAll   bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&symbol, "symbol", "", "symbol to trade (defaults to the configured one)")
	flag.StringVar(&side, "side", "", "BUY or SELL")
	flag.Float64Var(&volume, "volume", 0, "lots to trade")
	flag.BoolVar(&list, "list", false, "list open positions with our magic tag")
	flag.Int64Var(&closeTkt, "close", 0, "close the position with this ticket")
	flag.BoolVar(&closeAll, "close-all", false, "close every position with our magic tag")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Errorf("configuration invalid: %v", err)
		return 2
	}
	if symbol == "" {
		symbol = cfg.Trading.Symbol
	}

	session := broker.NewSession(broker.NewBridgeClient(
		cfg.Broker.BridgeURL,
		cfg.Broker.Login,
		cfg.Broker.Password,
		cfg.Broker.Server,
		time.Duration(cfg.Broker.TimeoutMs)*time.Millisecond,
	), broker.SessionConfig{
		MinCallSpacing: time.Duration(cfg.Execution.RateLimitMs) * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		logger.Errorf("connect failed: %v", err)
		return 1
	}
	defer func() { _ = session.Disconnect() }()

	switch {
	case list:
		return listPositions(ctx, session, cfg, logger)
	case closeAll:
		return closeEverything(ctx, session, cfg, logger)
	case closeTkt != 0:
		return closeOne(ctx, session, cfg, closeTkt, logger)
	case side != "":
		return place(ctx, session, cfg, symbol, side, volume, logger)
	default:
		flag.Usage()
		return 2
	}
}

func listPositions(ctx context.Context, b broker.Broker, cfg *config.Config, logger *logrus.Logger) int {
	positions, err := b.OpenPositions(ctx, cfg.Trading.MagicTag)
	if err != nil {
		logger.Errorf("list positions: %v", err)
		return 1
	}
	if len(positions) == 0 {
		fmt.Println("no open positions")
		return 0
	}
	fmt.Printf("%-12s %-10s %-6s %10s %12s %12s %12s\n",
		"TICKET", "SYMBOL", "SIDE", "VOLUME", "OPEN", "CURRENT", "PNL")
	for _, p := range positions {
		fmt.Printf("%-12d %-10s %-6s %10.2f %12.5f %12.5f %12.2f\n",
			p.Ticket, p.Symbol, p.Side, p.Volume, p.OpenPrice, p.CurrentPrice, p.UnrealizedPnL)
	}
	return 0
}

func place(ctx context.Context, b broker.Broker, cfg *config.Config, symbol, side string, volume float64, logger *logrus.Logger) int {
	var orderSide models.OrderSide
	switch strings.ToUpper(side) {
	case "BUY":
		orderSide = models.OrderBuy
	case "SELL":
		orderSide = models.OrderSell
	default:
		logger.Errorf("side must be BUY or SELL, got %q", side)
		return 2
	}
	if volume <= 0 {
		volume = cfg.Risk.DefaultVolume
	}

	bars, err := b.Bars(ctx, symbol, cfg.Timeframe(), 1)
	if err != nil || len(bars) == 0 {
		logger.Errorf("cannot establish a reference price for %s: %v", symbol, err)
		return 1
	}

	req := &models.OrderRequest{
		ClientTag: "manual-" + uuid.NewString()[:8],
		Symbol:    symbol,
		Side:      orderSide,
		Volume:    volume,
		Type:      models.OrderTypeMarket,
		Price:     bars[0].Close,
		Deviation: cfg.Trading.DeviationPoints,
		Magic:     cfg.Trading.MagicTag,
		Comment:   "heraldctl manual",
	}
	out, err := b.SubmitOrder(ctx, req)
	if err != nil {
		logger.Errorf("submit failed: %v", err)
		return 1
	}
	logger.WithFields(logrus.Fields{
		"status": out.Status,
		"ticket": out.Ticket,
		"price":  out.Price,
		"volume": out.Volume,
	}).Info("order submitted")
	if out.Status == models.OrderRejected || out.Status == models.OrderError {
		return 1
	}
	return 0
}

func closeOne(ctx context.Context, b broker.Broker, cfg *config.Config, ticket int64, logger *logrus.Logger) int {
	out, err := b.ClosePosition(ctx, ticket, 0, cfg.Trading.DeviationPoints, "heraldctl "+models.ExitReasonManual)
	if err != nil {
		logger.Errorf("close %d failed: %v", ticket, err)
		return 1
	}
	logger.WithFields(logrus.Fields{
		"ticket": ticket,
		"status": out.Status,
		"price":  out.Price,
	}).Info("close submitted")
	if out.Status != models.OrderFilled {
		return 1
	}
	return 0
}

func closeEverything(ctx context.Context, b broker.Broker, cfg *config.Config, logger *logrus.Logger) int {
	positions, err := b.OpenPositions(ctx, cfg.Trading.MagicTag)
	if err != nil {
		logger.Errorf("list positions: %v", err)
		return 1
	}
	failures := 0
	for _, p := range positions {
		if rc := closeOne(ctx, b, cfg, p.Ticket, logger); rc != 0 {
			failures++
		}
	}
	if failures > 0 {
		logger.Errorf("%d of %d closes failed", failures, len(positions))
		return 1
	}
	logger.Infof("closed %d positions", len(positions))
	return 0
}
