package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/evka/callrater/internal/banner"
	"github.com/evka/callrater/internal/call"
	"github.com/evka/callrater/internal/channels"
	"github.com/evka/callrater/internal/config"
	"github.com/evka/callrater/internal/engine"
	"github.com/evka/callrater/internal/intake"
	"github.com/evka/callrater/internal/ivr"
	"github.com/evka/callrater/internal/logger"
	"github.com/evka/callrater/internal/pbx"
	"github.com/evka/callrater/internal/sms"
	"github.com/evka/callrater/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		ratings  call.RatingSink
		outcomes call.OutcomeSink
	)
	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN, slog.Default())
		if err != nil {
			return err
		}
		defer pg.Close()
		ratings, outcomes = pg, pg
	} else {
		mem := store.NewMemory()
		ratings, outcomes = mem, mem
		slog.Warn("No Postgres DSN configured, ratings are kept in memory only")
	}

	link := pbx.NewLink(pbx.Config{
		Addr:                 cfg.ESLAddr,
		Password:             cfg.ESLPassword,
		PingInterval:         cfg.PingInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ActionTimeout:        cfg.ActionTimeout,
		Logger:               slog.Default(),
	})

	pool := channels.NewPool(cfg.MaxChannels, slog.Default())
	registry := call.NewRegistry(slog.Default())

	flow := ivr.NewFlow(ivr.Config{
		Cues:              cfg.AudioFiles,
		OperatorExtension: cfg.OperatorExtension,
		TransferDialplan:  cfg.TransferDialplan,
		TransferDigit:     cfg.TransferDigit,
		RetryLimit:        cfg.RatingRetryLimit,
		SettleDelay:       cfg.SettleDelay,
		Logger:            slog.Default(),
	}, link, ratings)

	eng := engine.New(engine.Config{
		Gateway:          cfg.Gateway,
		CallerID:         cfg.CallerID,
		CallTimeout:      cfg.CallTimeout,
		OverallTimeout:   cfg.OverallTimeout(),
		AdmissionTimeout: cfg.AdmissionTimeout,
		Logger:           slog.Default(),
	}, link, pool, registry, flow, outcomes, &sms.LogNotifier{})

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	httpSrv := intake.NewServer(cfg.HTTPAddr, eng, slog.Default())
	go func() {
		if err := httpSrv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	var queue *intake.QueueConsumer
	if cfg.RedisAddr != "" {
		queue = intake.NewQueueConsumer(cfg.RedisAddr, cfg.RedisQueue, cfg.QueueWorkers, eng, slog.Default())
		if err := queue.Start(ctx); err != nil {
			return err
		}
	}

	banner.Print("CallRater - outbound rating engine", []banner.ConfigLine{
		{Label: "Event socket", Value: cfg.ESLAddr},
		{Label: "Gateway", Value: cfg.Gateway},
		{Label: "Channels", Value: strconv.Itoa(cfg.MaxChannels)},
		{Label: "Operator", Value: cfg.OperatorExtension},
		{Label: "HTTP API", Value: cfg.HTTPAddr},
	})

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	if queue != nil {
		queue.Stop()
	}
	return nil
}
