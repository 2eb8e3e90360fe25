package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ordefy/ordefy/internal/handlers"
	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/eventbus"
	eventfactory "github.com/ordefy/ordefy/pkg/eventbus/factory"
	"github.com/ordefy/ordefy/pkg/scheduler"
)

// Maintenance task names, also used as lock keys.
const (
	TaskCleanup   = "webhook-queue-cleanup"
	TaskStaleScan = "webhook-queue-stale-scan"
	TaskDepth     = "webhook-queue-depth"
)

const schedulerKeyPrefix = "ordefy"

// NewWorker builds a worker with every topic handler registered. A non-nil
// producer receives the job lifecycle events.
func (a *App) NewWorker(producer eventbus.Producer) (*queue.Worker, error) {
	var opts []queue.WorkerOption
	if producer != nil {
		opts = append(opts, queue.WithNotifier(queue.NewBusNotifier(producer, a.cfg.Events.Topic, a.cfg.Events.OperationTimeout)))
	}
	w, err := queue.NewWorker(a.store, a.log, queue.WorkerConfigFromConfig(a.cfg.Queue), opts...)
	if err != nil {
		return nil, err
	}
	set := handlers.New(a.db, a.tenants, a.log, handlers.WithActivity(a.activity))
	if err := set.Register(w); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	return w, nil
}

// RunWorker drains the queue until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	producer, err := eventfactory.NewProducer(a.cfg.Events, a.log)
	if err != nil {
		return fmt.Errorf("create event producer: %w", err)
	}
	if producer != nil {
		defer func() {
			if err := producer.Close(); err != nil {
				a.log.Error("failed to close event producer", "error", err)
			}
		}()
	}
	w, err := a.NewWorker(producer)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// LockProvider returns the configured scheduler lock provider.
func (a *App) LockProvider() (scheduler.LockProvider, error) {
	if strings.EqualFold(a.cfg.Scheduler.LockProvider, config.SchedulerLockProviderRedis) {
		if a.redis == nil {
			return nil, fmt.Errorf("redis lock provider requires redis.url")
		}
		return scheduler.NewRedisLockProvider(a.redis.Client(), scheduler.RedisLockProviderConfig{
			Prefix:           schedulerKeyPrefix + ":scheduler:lock",
			OperationTimeout: a.cfg.Redis.OperationTimeout,
		}, a.log)
	}
	return scheduler.NewPostgresLockProvider(a.db.DB(), scheduler.PostgresLockProviderConfig{
		Table:            a.cfg.Scheduler.LockTable,
		OperationTimeout: a.cfg.Database.QueryTimeout,
	}, a.log)
}

// MaintenanceTasks returns the periodic queue tasks: retention cleanup, the
// stale scan and the depth gauge refresh.
func (a *App) MaintenanceTasks() []scheduler.Task {
	sc := a.cfg.Scheduler
	return []scheduler.Task{
		{
			Name:     TaskCleanup,
			Schedule: sc.CleanupSchedule,
			LockTTL:  sc.LockTTL,
			Run: func(ctx context.Context) error {
				_, err := a.cleaner.Run(ctx)
				return err
			},
		},
		{Name: TaskStaleScan, Schedule: sc.StaleScanSchedule, LockTTL: sc.LockTTL, Run: a.detector.Scan},
		{Name: TaskDepth, Schedule: sc.DepthSchedule, LockTTL: sc.LockTTL, Run: a.monitor().Refresh},
	}
}

// NewScheduler registers the maintenance tasks on a runtime using lock.
func (a *App) NewScheduler(lock scheduler.LockProvider) (*scheduler.Runtime, error) {
	rt, err := scheduler.NewRuntime(lock, a.log, scheduler.Config{
		DefaultLockTTL: a.cfg.Scheduler.LockTTL,
		KeyPrefix:      schedulerKeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	for _, task := range a.MaintenanceTasks() {
		if err := rt.Register(task); err != nil {
			return nil, fmt.Errorf("register task %s: %w", task.Name, err)
		}
	}
	return rt, nil
}

// RunScheduler runs the maintenance tasks until ctx is cancelled.
func (a *App) RunScheduler(ctx context.Context) error {
	lock, err := a.LockProvider()
	if err != nil {
		return fmt.Errorf("create scheduler lock provider: %w", err)
	}
	defer func() {
		if err := lock.Close(); err != nil {
			a.log.Error("failed to close scheduler lock provider", "error", err)
		}
	}()
	rt, err := a.NewScheduler(lock)
	if err != nil {
		return err
	}
	return rt.Start(ctx)
}

func (a *App) monitor() *queue.Monitor {
	return queue.NewMonitor(a.store, a.detector)
}
