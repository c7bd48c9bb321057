// Command scheduler-core runs the smart-schedulers engine: the planner,
// dispatcher, ack consumer, and timeout sweeper, each independently
// toggleable, sharing one Postgres pool, one Redis client, and one NATS
// connection. Grounded on the reference implementation's app/lifecycle.py
// entrypoint and the teacher's control_plane/main.go wiring order.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/ackconsumer"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/config"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/dispatcher"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/idempotency"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/lifecycle"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/planner"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/resilience"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/store"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/sweeper"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	ctx := context.Background()

	repo, err := store.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("[main] failed to connect to postgres: %v", err)
	}
	defer repo.Close()
	log.Printf("✅ connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  redis unavailable at %s, idempotency store falls back to local memory on its first failed call: %v", cfg.RedisAddr, err)
	} else {
		log.Printf("✅ connected to redis at %s", cfg.RedisAddr)
	}
	defer redisClient.Close()

	degraded := resilience.NewDegradedModeTracker()
	idemp := idempotency.New(redisClient, cfg.IdempotencyTTL, cfg.RedisKeyPrefix, degraded)

	nc, err := transport.NewNATSTransport(cfg.NATSURL)
	if err != nil {
		log.Fatalf("[main] failed to connect to nats: %v", err)
	}
	log.Printf("✅ connected to nats at %s", cfg.NATSURL)
	defer nc.Close()

	var workers []lifecycle.Named

	if cfg.EnablePlanner {
		p := planner.New(repo, idemp, planner.Config{BatchSize: cfg.PlannerBatchSize})
		workers = append(workers, lifecycle.Named{Name: "planner", Worker: p})
	}

	if cfg.EnableDispatcher {
		limiter := dispatcher.NewTokenBucketLimiter(float64(cfg.MaxConcurrency), cfg.MaxConcurrency)
		d := dispatcher.New(repo, nc, limiter, dispatcher.Config{
			Stream:                        cfg.StreamName,
			BatchSize:                     cfg.DispatchBatchSize,
			PollInterval:                  cfg.DispatchPollInterval,
			AckTimeout:                    cfg.AckTimeout,
			MaxConcurrency:                cfg.MaxConcurrency,
			MaxRetry:                      cfg.DispatchMaxRetry,
			RetryBackoff:                  cfg.DispatchRetryBackoff,
			RetryJitter:                   cfg.DispatchRetryJitter,
			MaxInflightPerMicrocontroller: cfg.MaxInflightPerMicrocontroller,
		})
		workers = append(workers, lifecycle.Named{Name: "dispatcher", Worker: d})
	}

	if cfg.EnableAckConsumer {
		c := ackconsumer.New(repo, nc, cfg.StreamName)
		workers = append(workers, lifecycle.Named{Name: "ack-consumer", Worker: c})
	}

	if cfg.EnableSweeper {
		sw := sweeper.New(repo, sweeper.Config{Interval: cfg.SweepInterval, BatchSize: cfg.SweepBatchSize})
		workers = append(workers, lifecycle.Named{Name: "timeout-sweeper", Worker: sw})
	}

	if len(workers) == 0 {
		log.Fatal("[main] no workers enabled; enable at least one SCHEDULER_ENABLE_* component")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if degraded.IsDegraded() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(degraded.StatusLine()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpAddr := envOr("SCHEDULER_HTTP_ADDR", ":8090")
	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		log.Printf("[main] metrics/health server listening on %s", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] http server error: %v", err)
		}
	}()

	fmt.Println("==================================================")
	fmt.Println("smart-schedulers-core")
	fmt.Println("==================================================")
	fmt.Printf("planner=%v dispatcher=%v ack_consumer=%v timeout_sweeper=%v\n",
		cfg.EnablePlanner, cfg.EnableDispatcher, cfg.EnableAckConsumer, cfg.EnableSweeper)
	fmt.Printf("max_concurrency=%d max_inflight_per_microcontroller=%d ack_timeout=%s\n",
		cfg.MaxConcurrency, cfg.MaxInflightPerMicrocontroller, cfg.AckTimeout)
	fmt.Println("==================================================")

	runner := lifecycle.New(workers, shutdownTimeout)
	if err := runner.Run(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		log.Fatalf("[main] shutdown error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	log.Println("[main] exiting")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
