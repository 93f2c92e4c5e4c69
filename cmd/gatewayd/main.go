package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"fortflux/auth"
	"fortflux/config"
	"fortflux/escrow"
	fmw "fortflux/middleware"
	"fortflux/moderation"
	"fortflux/models"
	"fortflux/notify"
	"fortflux/observability"
	"fortflux/observability/logging"
	"fortflux/processor"
	"fortflux/recon"
	"fortflux/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("fortflux-gateway", cfg.Environment, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	engine := escrow.New(db)
	engine.SetProcessor(processor.EngineAdapter{
		Client:        processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey),
		PriceCurrency: cfg.Processor.PriceCurrency,
	})

	queue := notify.NewQueue()
	engine.SetNotificationHook(func(note models.Notification) {
		queue.Enqueue(note)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := notify.NewWorker(db, queue, logger)
	go worker.Run(ctx)

	metrics := observability.NewMetrics("fortflux")
	srv := server.New(server.Config{
		DB:         db,
		Escrow:     engine,
		Recon:      recon.NewProcessor(db, engine, logger),
		Moderation: moderation.New(db),
		Verifier: auth.NewVerifier(auth.Options{
			JWTSecret:   cfg.JWTSecret,
			Issuer:      cfg.JWTIssuer,
			AllowStatic: cfg.AllowStaticAuth,
		}),
		IPNSecret: cfg.Processor.IPNSecret,
		Metrics:   metrics,
		RateLimiter: fmw.NewRateLimiter(map[string]fmw.RateLimit{
			"webhook": {RequestsPerMinute: cfg.WebhookRatePerMinute, Burst: cfg.WebhookBurst},
		}),
		Logger: logger,
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddress, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("gateway listening", "addr", cfg.ListenAddress)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
