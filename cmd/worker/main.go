package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-dispatcher/internal/archive"
	"invoice-dispatcher/internal/config"
	"invoice-dispatcher/internal/extapi"
	"invoice-dispatcher/internal/ratelimit"
	"invoice-dispatcher/internal/resilience"
	"invoice-dispatcher/internal/store"
	"invoice-dispatcher/internal/stream"
	"invoice-dispatcher/internal/telemetry"
	"invoice-dispatcher/internal/token"
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("init transport: %v", err)
	}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		MaxFailures:      cfg.BreakerMaxFailures,
		Window:           cfg.BreakerWindow,
		ResetTimeout:     cfg.BreakerResetTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenCalls,
		IsFailure:        extapi.CountsAgainstBreaker,
		OnStateChange: func(from, to resilience.State) {
			telemetry.BreakerState.Set(float64(to))
			log.Printf("breaker %s -> %s", from, to)
		},
	})
	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts:  cfg.APIMaxAttempts,
		InitialDelay: cfg.BackoffInitial,
		MaxDelay:     cfg.BackoffMax,
		RetryIf:      extapi.Retryable,
	})
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	caller := extapi.NewCaller(extapi.CallerConfig{
		Transport:   transport,
		Breaker:     breaker,
		Retry:       retry,
		Limiter:     limiter,
		LimiterWait: cfg.RateLimitMaxWait,
	})

	dlq := stream.NewDeadLetters(rdb, cfg.DLQStreamName)
	consumer := stream.NewConsumer(stream.ConsumerConfig{
		Client:       rdb,
		Stream:       cfg.StreamName,
		Group:        cfg.ConsumerGroup,
		Name:         workerID,
		Shards:       cfg.ConsumerShards,
		BlockTime:    cfg.ConsumerBlockTime,
		ClaimMinIdle: cfg.ClaimMinIdle,
		MaxAge:       cfg.MaxMessageAge,
		Caller:       caller,
		DeadLetters:  dlq,
		Recorder:     st,
	})

	if cfg.ArchiveS3Bucket != "" {
		uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			log.Fatalf("init archive uploader: %v", err)
		}
		archiver := archive.NewArchiver(rdb, cfg.DLQStreamName, workerID, uploader)
		go func() {
			if err := archiver.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("archiver stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started, stream=%s group=%s shards=%d", workerID, cfg.StreamName, cfg.ConsumerGroup, cfg.ConsumerShards)
	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}

// buildTransport selects the real processing client or the deterministic
// simulator used for local development.
func buildTransport(ctx context.Context, cfg config.Config) (extapi.Transport, error) {
	if cfg.SimulateAPI {
		log.Printf("SIMULATE_API set, using simulated processing endpoint")
		return &extapi.Simulator{FailEvery: 5}, nil
	}
	if cfg.APIBaseURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("API_BASE_URL and TOKEN_URL are required unless SIMULATE_API is set")
	}

	lease := token.NewLease(token.Config{
		URL:         cfg.TokenURL,
		ClientID:    cfg.TokenClientID,
		Username:    cfg.TokenUsername,
		Password:    cfg.TokenPassword,
		RefreshSkew: cfg.TokenRefreshSkew,
		Timeout:     cfg.TokenTimeout,
	})
	if cfg.TokenRefreshInterval > 0 {
		lease.StartAutoRefresh(ctx, cfg.TokenRefreshInterval)
	}
	return extapi.NewClient(cfg.APIBaseURL, lease, cfg.APITimeout), nil
}
