package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/api"
	"invoice-dispatcher/internal/config"
	"invoice-dispatcher/internal/orchestrator"
	"invoice-dispatcher/internal/scheduler"
	"invoice-dispatcher/internal/store"
	"invoice-dispatcher/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	dispatcher := stream.NewDispatcher(rdb, cfg.StreamName, cfg.PublishRetries, cfg.PublishRetryDelay, cfg.PublishTimeout)
	orch := orchestrator.New(orchestrator.Config{
		Source:           st,
		Enqueue:          dispatcher,
		GroupConcurrency: cfg.GroupConcurrency,
	})
	sched := scheduler.New(orch, cfg.ScheduleInterval)

	dlq := stream.NewDeadLetters(rdb, cfg.DLQStreamName)
	server := api.New(st, dlq, sched)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	log.Printf("scheduler listening on :%s, dispatching every %s", cfg.HTTPPort, cfg.ScheduleInterval)
	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
