package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmq/swarmq/internal/api"
	"github.com/swarmq/swarmq/internal/bus"
	"github.com/swarmq/swarmq/internal/lock"
	"github.com/swarmq/swarmq/internal/logging"
	"github.com/swarmq/swarmq/internal/queue"
	"github.com/swarmq/swarmq/internal/registry"
	"github.com/swarmq/swarmq/internal/scheduler"
	"github.com/swarmq/swarmq/internal/state"
	"github.com/swarmq/swarmq/internal/tiers"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduling loop",
	Long: `Start the swarmq server.

Runs three things until interrupted:
  - The HTTP API (tasks, agents, locks, scheduling)
  - A periodic scheduling pass that assigns ready tasks to agents
  - A lock reaper that sweeps expired resource leases`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger, err := logging.NewDebugLogger(cfg.Logging.DebugFile)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	resolver := tiers.NewResolver()
	defer resolver.Close()
	if cfg.Tiers.File != "" {
		if err := resolver.LoadFile(cfg.Tiers.File); err != nil {
			return fmt.Errorf("load tier limits: %w", err)
		}
		if cfg.Tiers.Watch {
			if err := resolver.Watch(); err != nil {
				return fmt.Errorf("watch tier limits: %w", err)
			}
		}
	}

	emitter := bus.NewEmitter(256)
	defer emitter.Close()
	go drainEvents(emitter, logger)

	q := queue.NewService(db, resolver, emitter, logger)
	reg := registry.NewService(db, emitter, logger)
	locks := lock.NewService(db, emitter, logger)
	locks.SetDefaults(lock.AcquireOptions{
		TTL:         cfg.Locks.TTL,
		MaxRetries:  cfg.Locks.MaxRetries,
		BaseBackoff: cfg.Locks.BaseBackoff,
	})
	sched := scheduler.NewService(q, reg, emitter, logger)

	server := api.NewServer(q, sched, locks, reg)
	server.EnableMetrics()

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	// The loops publish to the emitter; join them before the deferred
	// emitter.Close so no pass straddles the closed channel. Deferred
	// LIFO: stop cancels, then Wait joins, then the emitter closes.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		schedulingLoop(ctx, cfg.Scheduler.Interval, cfg.Scheduler.BatchLimit, q, sched, logger)
	}()
	go func() {
		defer wg.Done()
		lockReaperLoop(ctx, cfg.Locks.ReaperInterval, locks, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("swarmq listening on %s\n", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	fmt.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// schedulingLoop runs one maintenance-and-assignment pass per tick:
// time out overrunning tasks, requeue retryable failures, then hand
// ready tasks to agents.
func schedulingLoop(ctx context.Context, interval time.Duration, batchLimit int, q *queue.Service, sched *scheduler.Service, logger *logging.DebugLogger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepTimeouts(q, logger)
			sweepRetries(q, logger)
			if _, err := sched.ScheduleAndAssign(scheduler.ReadyRequest{Limit: batchLimit}); err != nil {
				logger.Log("scheduling pass failed: %v", err)
			}
		}
	}
}

func sweepTimeouts(q *queue.Service, logger *logging.DebugLogger) {
	timedOut, err := q.TimedOutTasks()
	if err != nil {
		logger.Log("timeout sweep failed: %v", err)
		return
	}
	for _, task := range timedOut {
		if err := q.MarkTaskTimeout(task.ID); err != nil {
			logger.Log("mark timeout %s failed: %v", task.ID, err)
		}
	}
}

func sweepRetries(q *queue.Service, logger *logging.DebugLogger) {
	retryable, err := q.RetryableTasks()
	if err != nil {
		logger.Log("retry sweep failed: %v", err)
		return
	}
	for _, task := range retryable {
		if _, err := q.IncrementRetry(task.ID); err != nil {
			logger.Log("requeue %s failed: %v", task.ID, err)
		}
	}
}

func lockReaperLoop(ctx context.Context, interval time.Duration, locks *lock.Service, logger *logging.DebugLogger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := locks.CleanupExpired()
			if err != nil {
				logger.Log("lock reaper failed: %v", err)
				continue
			}
			if swept > 0 {
				logger.Log("lock reaper swept %d expired leases", swept)
			}
		}
	}
}

func drainEvents(emitter *bus.Emitter, logger *logging.DebugLogger) {
	for event := range emitter.Events() {
		logger.Log("event %s %s/%s", event.Type, event.EntityType, event.EntityID)
	}
}
