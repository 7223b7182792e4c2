// Command dispatcher runs the evaluation lifecycle controller, the task
// dispatch worker pool, and the submission/DLQ HTTP API as one process,
// generalizing narwhal.go's flag-driven single-binary-many-roles pattern
// to this platform's three always-on collaborators instead of a
// dispatcher/runner toggle.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/codepr/crucible/internal/config"
	"github.com/codepr/crucible/internal/dispatch"
	"github.com/codepr/crucible/internal/dlq"
	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/executor"
	"github.com/codepr/crucible/internal/executorctl"
	"github.com/codepr/crucible/internal/httpapi"
	"github.com/codepr/crucible/internal/lifecycle"
	"github.com/codepr/crucible/internal/logging"
	"github.com/codepr/crucible/internal/metrics"
	"github.com/codepr/crucible/internal/pool"
	"github.com/codepr/crucible/internal/priority"
	"github.com/codepr/crucible/internal/queue"
	"github.com/codepr/crucible/internal/router"
	"github.com/codepr/crucible/internal/runningindex"
	"github.com/codepr/crucible/internal/storage"
)

func main() {
	cfg, err := config.ParseDispatcherFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := logging.New("dispatcher")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	queues, err := queue.NewPriorityQueues(cfg.AMQPAddr, time.Second)
	if err != nil {
		logger.Fatalf("dispatcher: connect amqp: %v", err)
	}
	defer queues.Close()

	registry := pool.NewRegistry(rdb, logger)
	healthRouter := router.New(router.Discover("executor", 4), http.DefaultClient)
	executorClient := executor.NewClient(http.DefaultClient)
	deadLetters := dlq.New(rdb)
	publisher := events.NewRedisPublisher(rdb)
	running := runningindex.New(rdb)

	var store storage.Store
	if cfg.StorageAddr != "" {
		store = storage.NewHTTPStore(cfg.StorageAddr, http.DefaultClient)
	} else {
		store = storage.NewMemory()
	}

	ctl := lifecycle.New(store, queues, publisher, running, logger)
	ctl.Canceller = executorctl.ForcedCanceller{}

	collectors := metrics.New(prometheus.DefaultRegisterer)

	worker := &dispatch.Worker{
		Queues:    queues,
		Pool:      registry,
		Router:    healthRouter,
		Executor:  executorClient,
		State:     ctl,
		Publisher: publisher,
		DLQ:       deadLetters,
		Running:   running,
		Metrics:   collectors,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("dispatcher: worker loop exited: %v", err)
		}
	}()

	statusLookup := func(c context.Context, evalID string) (eval.Status, error) {
		e, err := ctl.Get(c, evalID)
		if err != nil {
			return "", err
		}
		return e.CurrentStatus(), nil
	}
	onRemoved := func(evalIDs []string) {
		logger.Printf("dispatcher: reconcile cleared %d stale running entries", len(evalIDs))
	}
	go running.ReconcileLoop(ctx, 30*time.Second, statusLookup, onRemoved)
	go collectors.RunSampler(ctx, 15*time.Second, registry, queues, deadLetters)

	retry := func(c context.Context, m queue.Message) error {
		return queues.PublishTo(priority.ToQueue(priority.Normalize(m.Priority)), m)
	}
	webhook := httpapi.WebhookConfig{
		Secret:    cfg.WebhookSecret,
		EntryPath: cfg.WebhookEntry,
		Engine:    cfg.WebhookEngine,
		Priority:  cfg.WebhookPriority,
		UseLegacy: cfg.UseLegacyGit,
	}
	api := httpapi.New(cfg.Addr, ctl, deadLetters, retry, webhook, logger)
	if err := api.Run(); err != nil {
		logger.Fatalf("dispatcher: http api: %v", err)
	}
}
