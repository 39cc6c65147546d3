// Command driptided runs the workflow engine: trigger polling, the
// execution worker pool, delay promotion, and the HTTP control surface.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/api"
	"github.com/driptide/driptide/compiler"
	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/engine"
	"github.com/driptide/driptide/lock"
	"github.com/driptide/driptide/queue"
	"github.com/driptide/driptide/resilience"
	"github.com/driptide/driptide/scheduler"
	"github.com/driptide/driptide/store"
	"github.com/driptide/driptide/triggers"
)

func main() {
	configPath := flag.String("config", core.GetEnvString("DRIPTIDE_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	logger := core.NewLogger("driptided")

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Engine exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg *core.Config, logger *core.StdLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}
	logger.Info("Connected to Redis", map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})

	executions := store.NewRedisExecutionStore(client, &store.ExecutionStoreConfig{Logger: logger})
	delays := store.NewRedisDelayStore(client, &store.DelayStoreConfig{Logger: logger})
	cursors := store.NewRedisCursorStore(client, &store.CursorStoreConfig{Logger: logger})
	workflows := store.NewRedisWorkflowStore(client, &store.WorkflowStoreConfig{Logger: logger})
	q := queue.NewRedisQueue(client, &queue.RedisQueueConfig{Logger: logger})
	locks := lock.NewManager(client, &lock.ManagerConfig{Logger: logger})

	// The log adapter is the out-of-the-box side-effect sink; real
	// deployments swap in provider-backed adapters here.
	adapter := engine.NewLogAdapter(logger)
	adapters := engine.NewAdapterRegistry()
	adapters.Register(compiler.ActionSendEmail,
		engine.WithCircuitBreaker(adapter, nil, resilience.DefaultCircuitBreakerConfig("email")))
	adapters.Register(compiler.ActionSendSMS,
		engine.WithCircuitBreaker(adapter, nil, resilience.DefaultCircuitBreakerConfig("sms")))

	comp := compiler.New(logger)
	nodes := engine.DefaultNodeRegistry(delays, adapters, engine.NewLogSharedFlowRunner(logger), cfg.AdapterTimeout, nil, logger)
	orch := engine.NewOrchestrator(executions, delays, nodes, comp, &engine.OrchestratorConfig{Logger: logger})

	triggerRegistry := triggers.DefaultRegistry(
		triggers.NewMemorySubscriptionSource(),
		triggers.NewMemoryNewsletterSource(),
		triggers.NewMemoryUserSource(),
		logger,
	)

	sched := scheduler.New(locks, triggerRegistry, workflows, cursors, delays, q, orch, &scheduler.Config{
		CronExpression: cfg.CronExpression,
		MainLockTTL:    cfg.SchedulerLockTTL,
		BatchLockTTL:   cfg.DefaultLockTTL,
		PromotionBatch: cfg.DelayPromotionBatch,
		TriggerBatchSizes: map[string]int{
			triggers.TypeSubscriptionCreated:  cfg.SubscriptionBatchSize,
			triggers.TypeNewsletterSubscribed: cfg.NewsletterBatchSize,
			triggers.TypeUserCreated:          cfg.UserBatchSize,
		},
		JobMaxAttempts: cfg.RetryAttempts,
		Logger:         logger,
	})

	recovery := scheduler.NewRecovery(locks, executions, delays, sched, &scheduler.RecoveryConfig{
		StuckRunningGrace: cfg.StuckRunningGrace,
		Retention:         cfg.Retention,
		LockTTL:           cfg.DefaultLockTTL,
		Logger:            logger,
	})

	// Repair whatever the previous incarnation left behind before
	// accepting new work.
	if report, err := recovery.Run(ctx); err != nil {
		logger.Warn("Startup recovery failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.Info("Startup recovery finished", map[string]interface{}{
			"stuck_failed":    report.StuckFailed,
			"delays_promoted": report.DelaysPromoted,
		})
	}

	workerConfig := queue.DefaultWorkerConfig(core.TopicWorkflowExecution)
	workerConfig.WorkerCount = cfg.ExecutionConcurrency
	workerConfig.RetryBaseDelay = cfg.RetryBaseDelay
	workerConfig.OnExhausted = scheduler.NewExhaustHandler(orch, logger)
	workerConfig.Logger = logger
	pool := queue.NewWorkerPool(q, &workerConfig)

	handler := scheduler.NewExecutionHandler(workflows, orch, logger)
	if err := pool.RegisterHandler(core.JobTypeStartWorkflow, handler); err != nil {
		return err
	}
	if err := pool.RegisterHandler(core.JobTypeRunExecution, handler); err != nil {
		return err
	}

	// Start blocks for the pool's lifetime, so it gets its own goroutine;
	// a startup failure lands on the channel like any other fatal error.
	poolErr := make(chan error, 1)
	go func() {
		if err := pool.Start(ctx); err != nil {
			poolErr <- err
		}
	}()

	if err := sched.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
		return err
	}

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(executions, delays, q, orch, recovery, nil, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", map[string]interface{}{
			"addr": cfg.APIAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-serverErr:
		logger.Error("Control API failed", map[string]interface{}{
			"error": err.Error(),
		})
	case err := <-poolErr:
		logger.Error("Worker pool failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Stop taking new work before draining in-flight executions.
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Control API shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("Worker pool shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Engine stopped", nil)
	return nil
}
