package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"anthraxy/internal/analysisworker"
	"anthraxy/internal/config"
	"anthraxy/internal/logging"
	"anthraxy/internal/store"
)

func main() {
	closeLog := logging.Setup(logging.Options{LogFile: "analysisworker.log", Level: zerolog.InfoLevel, Console: true})
	defer closeLog()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if !cfg.Worker.Enabled {
		log.Info().Msg("analysis worker disabled (AI_WORKER_ENABLED not set), exiting")
		return
	}
	if cfg.Database.URL == "" {
		log.Fatal().Msg("database URL is required (set PROXY_DATABASE_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Config{
		URL:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	client := analysisworker.NewHTTPClient(cfg.Worker.AnalysisModelURL)

	w := analysisworker.New(st, client, analysisworker.Config{
		PollInterval:       cfg.Worker.PollInterval,
		MaxConcurrentJobs:  cfg.Worker.MaxConcurrentJobs,
		JobTimeout:         cfg.Worker.JobTimeout,
		WatchdogInterval:   cfg.Worker.WatchdogInterval,
		StuckTimeout:       cfg.Worker.StuckTimeout,
		MaxContextMessages: cfg.Worker.MaxContextMessages,
		HeadMessages:       cfg.Worker.HeadMessages,
		TailMessages:       cfg.Worker.TailMessages,
		MaxContextTokens:   cfg.Worker.MaxContextTokens,
		SafetyMargin:       cfg.Worker.TokenizerSafetyMargin,
		RPM:                cfg.Worker.AnalysisModelRPM,
	})
	w.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	w.Stop(cfg.Worker.ShutdownGraceTime)
}
