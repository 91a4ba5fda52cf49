package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"anthraxy/internal/circuit"
	"anthraxy/internal/compactor"
	"anthraxy/internal/concurrency"
	"anthraxy/internal/config"
	"anthraxy/internal/credential"
	"anthraxy/internal/forwarder"
	"anthraxy/internal/handler"
	"anthraxy/internal/logging"
	"anthraxy/internal/metrics"
	"anthraxy/internal/middleware"
	"anthraxy/internal/notify"
	"anthraxy/internal/ratelimit"
	"anthraxy/internal/selection"
	"anthraxy/internal/store"
	"anthraxy/internal/writer"
)

func main() {
	closeLog := logging.Setup(logging.Options{LogFile: "anthraxy.log", Level: zerolog.InfoLevel, Console: true})
	defer closeLog()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Database.URL == "" {
		log.Fatal().Msg("database URL is required (set PROXY_DATABASE_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Config{
		URL:          cfg.Database.URL,
		MaxConns:     int32(cfg.Database.MaxConns),
		MinConns:     int32(cfg.Database.MinConns),
		AnalyticsURL: cfg.Database.AnalyticsURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	oauthRefresher := credential.NewOAuthRefresher(cfg.Claude.UpstreamURL)
	credManager := credential.New(cfg.Credentials.Dir, cfg.Credentials.DescriptorTTL, cfg.Credentials.RefreshSkew, oauthRefresher)

	circuitMgr := circuit.NewManager(circuit.BreakerConfig{
		Enabled:          cfg.Circuit.Enabled,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
	})
	defer circuitMgr.Close()

	selector, err := selection.New(selection.Config{
		OutputTokenBudget: cfg.Pool.OutputTokenBudget,
		RollingWindow:     time.Duration(cfg.Pool.WindowSeconds) * time.Second,
		StickyTTL:         cfg.Pool.StickyMappingTTL,
		StickyCacheSize:   cfg.Pool.StickyMappingLRU,
	}, st, circuitMgr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize account selector")
	}

	fwd := forwarder.New(forwarder.Config{
		UpstreamURL:    cfg.Claude.UpstreamURL,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	notifier := notify.New(cfg.Notify.WebhookURL)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var concurrencyMgr concurrency.Manager
	if cfg.Concurrency.UserMax > 0 || cfg.Concurrency.AccountMax > 0 {
		concurrencyMgr = concurrency.NewManager(concurrency.ConcurrencyConfig{
			UserMax:       cfg.Concurrency.UserMax,
			AccountMax:    cfg.Concurrency.AccountMax,
			MaxWaitQueue:  cfg.Concurrency.MaxWaitQueue,
			WaitTimeout:   cfg.Concurrency.WaitTimeout,
			BackoffBase:   cfg.Concurrency.BackoffBase,
			BackoffMax:    cfg.Concurrency.BackoffMax,
			BackoffJitter: cfg.Concurrency.BackoffJitter,
		})
		defer concurrencyMgr.Close()
	}

	var limiter ratelimit.MultiLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewMultiMemoryLimiter(ratelimit.RateLimitConfig{
			Enabled: true,
			UserLimit: ratelimit.LimitRule{
				Requests: cfg.RateLimit.AccountRPM.Requests,
				Window:   cfg.RateLimit.AccountRPM.Window,
			},
			AccountLimit: ratelimit.LimitRule{
				Requests: cfg.RateLimit.AccountRPM.Requests,
				Window:   cfg.RateLimit.AccountRPM.Window,
			},
			GlobalLimit: ratelimit.LimitRule{
				Requests: cfg.RateLimit.GlobalLimit.Requests,
				Window:   cfg.RateLimit.GlobalLimit.Window,
			},
		})
		defer limiter.Close()
	}

	wr := writer.New(st, writer.Config{
		QueueSize:     cfg.Storage.WriterQueueLen,
		Workers:       cfg.Storage.WriterWorkers,
		BatchSize:     cfg.Storage.WriterBatch,
		FlushInterval: writer.DefaultFlushInterval,
	}, m)
	if cfg.Storage.Enabled {
		wr.Start(ctx)
	}

	var compact *compactor.Compactor
	if cfg.Compactor.Enabled {
		compact = compactor.New(st, compactor.Config{
			CompactAge: cfg.Compactor.CompactAge,
			Interval:   cfg.Compactor.Interval,
			BatchSize:  cfg.Compactor.BatchSize,
		})
		compact.Start(ctx)
	}

	enqueue := func(r *store.ApiRequest, chunks []*store.StreamingChunk) {
		if !cfg.Storage.Enabled {
			return
		}
		wr.Enqueue(&writer.Entry{Request: r, Chunks: chunks})
	}

	messagesHandler := handler.NewMessagesHandler(credManager, selector, st, fwd, notifier, enqueue, m, concurrencyMgr, limiter)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	clientAuth := middleware.ClientAuth(credManager)
	handler.RegisterRoutes(router, clientAuth, messagesHandler, st, m, cfg.Metrics.Path)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.ServerTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGraceTime)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	wr.Stop(cfg.Server.ShutdownGraceTime)
	if compact != nil {
		compact.Stop(cfg.Server.ShutdownGraceTime)
	}
}

// requestLogger mirrors the teacher's top-level access log: one line per
// request at info level with method, path, status, and latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
