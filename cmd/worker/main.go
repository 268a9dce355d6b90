package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/canopyflow/canopy/internal/config"
	"github.com/canopyflow/canopy/internal/crypto"
	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/events"
	"github.com/canopyflow/canopy/internal/executor"
	"github.com/canopyflow/canopy/internal/mailer"
	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/internal/worker"
)

func main() {
	workerID := flag.String("id", "", "worker identifier (default: hostname plus a random suffix)")
	taskTimeout := flag.Duration("timeout", 30*time.Minute, "per-task execution timeout")
	flag.Parse()

	cfg := config.Load()

	id := *workerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
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

	var mail mailer.Mailer = mailer.NewFakeMailer()
	if cfg.EncryptionKey != "" {
		cipher, err := crypto.New([]byte(cfg.EncryptionKey))
		if err != nil {
			log.Fatalf("encryption key: %v", err)
		}
		mail = mailer.NewSMTPMailer(mailer.NewStoredCredentials(settings, cipher))
	} else {
		log.Printf("ENCRYPTION_KEY not set, email nodes will use the fake mailer")
	}

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

	opts := worker.Options{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TaskTimeout:       *taskTimeout,
	}
	w := worker.New(id, opts, tasks, dags, runs, records, workers, registry, dispatcher, reconciler, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Printf("Worker %s draining", id)
		cancel()
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
}
