package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/canopyflow/canopy/internal/config"
	"github.com/canopyflow/canopy/internal/crypto"
	"github.com/canopyflow/canopy/internal/dag"
	"github.com/canopyflow/canopy/internal/deferred"
	"github.com/canopyflow/canopy/internal/dlq"
	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/executor"
	"github.com/canopyflow/canopy/internal/mailer"
	"github.com/canopyflow/canopy/internal/monitor"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/scheduler"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api"
)

func main() {
	cfg := config.Load()

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}
	if err := storage.RunMigrations(cfg.StateStoreURL, migrationsPath); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	db, err := storage.NewDB(cfg.StateStoreURL, storage.DefaultPoolConfig())
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer db.Close()

	dags := storage.NewDAGRepository(db.DB)
	runs := storage.NewRunRepository(db.DB)
	records := storage.NewTaskRecordRepository(db.DB)
	workers := storage.NewWorkerRepository(db.DB)
	deferredEmails := storage.NewDeferredEmailRepository(db.DB)
	settings := storage.NewSMTPSettingsRepository(db.DB)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.QueueURL,
		Password: cfg.QueueToken,
	})
	defer redisClient.Close()

	tasks := queue.NewRedisQueue(redisClient)
	inspector := dlq.NewInspector(redisClient, tasks)

	buses := []events.Bus{events.NewRedisBus(redisClient)}
	natsBus, err := events.NewNATSBus(cfg.EventBusURL())
	if err != nil {
		log.Printf("event bus: NATS unavailable, continuing with Redis only: %v", err)
	} else {
		defer natsBus.Close()
		buses = append(buses, natsBus)
	}
	bus := events.NewMultiBus(buses...)

	dispatcher := engine.NewDispatcher(dags, runs, records, tasks, bus)
	reconciler := engine.NewReconciler(dags, runs, records, deferredEmails, bus)

	var cipher *crypto.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = crypto.New([]byte(cfg.EncryptionKey))
		if err != nil {
			log.Fatalf("encryption key: %v", err)
		}
	}

	// The server process registers executors only to validate node
	// configs at definition time; execution happens in the workers.
	var mail mailer.Mailer = mailer.NewFakeMailer()
	if cipher != nil {
		mail = mailer.NewSMTPMailer(mailer.NewStoredCredentials(settings, cipher))
	}
	registry := buildRegistry(cfg, mail, deferredEmails)
	validator := dag.NewValidator(registry.ValidateNode)
	parser := dag.NewParser(validator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(dags, dispatcher)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	sweeper := deferred.NewSweeper(deferredEmails, records, runs, dags, dispatcher, reconciler, mail, bus)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("deferred sweeper stopped: %v", err)
		}
	}()

	autoFail := monitor.NewAutoFail(runs, records, deferredEmails, bus, cfg.AutoFailMaxAge, cfg.AutoFailGrace)
	go func() {
		if err := autoFail.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("auto-fail monitor stopped: %v", err)
		}
	}()

	health := monitor.NewWorkerHealth(workers, cfg.HeartbeatTimeout)
	go func() {
		if err := health.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker health monitor stopped: %v", err)
		}
	}()

	router := api.NewRouter(api.Deps{
		DAGs:           dags,
		Runs:           runs,
		Records:        records,
		Workers:        workers,
		Settings:       settings,
		Dispatcher:     dispatcher,
		Reconciler:     reconciler,
		Validator:      validator,
		Parser:         parser,
		Inspector:      inspector,
		Cipher:         cipher,
		FrontendOrigin: cfg.FrontendOrigin,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("API listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func buildRegistry(cfg *config.Config, mail mailer.Mailer, deferredEmails storage.DeferredEmailRepository) *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(executor.NewHTTPExecutor())
	registry.Register(executor.NewEmailExecutor(mail, deferredEmails))
	registry.Register(executor.NewDatabaseExecutor(cfg.StateStoreURL))
	registry.Register(executor.NewScriptExecutor(cfg.ScratchDir))
	registry.Register(executor.NewFileExecutor())
	registry.Register(executor.NewWebhookExecutor())
	registry.Register(executor.NewDelayExecutor())
	registry.Register(executor.NewNotificationExecutor())
	registry.Register(executor.NewTransformExecutor())
	return registry
}
