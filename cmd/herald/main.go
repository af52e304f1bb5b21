// Command herald runs the autonomous trading loop: bars in, signals through
// risk, orders out, exits arbitrated every tick.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/config"
)

const version = "0.4.0"

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		dryRun      bool
		logLevel    string
		mindsetName string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.BoolVar(&dryRun, "dry-run", false, "synthesise fills instead of touching the venue")
	flag.StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	flag.StringVar(&mindsetName, "mindset", "", "risk preset: "+strings.Join(config.MindsetNames(), ", "))
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("herald %s\n", version)
		return exitOK
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", logLevel)
		return exitConfig
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// .env is optional; real deployments set the variables directly
	_ = godotenv.Load()

	cfg, err := config.LoadWithMindset(configPath, mindsetName)
	if err != nil {
		logger.Errorf("configuration invalid: %v", err)
		return exitConfig
	}
	if dryRun {
		cfg.DryRun = true
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"symbol":  cfg.Trading.Symbol,
		"tf":      cfg.Trading.Timeframe,
		"login":   cfg.Broker.MaskedLogin(),
		"mindset": cfg.Mindset,
		"dry_run": cfg.DryRun,
	}).Info("herald starting")
	if cfg.DryRun {
		logger.Info("dry-run mode: no orders will reach the venue")
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Errorf("startup failed: %v", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := false
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		interrupted = true
		cancel()
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("bot stopped with error: %v", err)
		return exitFatal
	}
	if interrupted {
		return exitInterrupted
	}
	logger.Info("herald stopped")
	return exitOK
}
