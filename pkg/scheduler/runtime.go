// Package scheduler runs periodic maintenance tasks, such as queue cleanup
// and stale-job scans, on exactly one instance per tick.
//
// Each run takes a per-task lease from a LockProvider. After the run the
// lease is kept until shortly before the next tick, so an instance whose
// clock fires slightly later finds it held and skips.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

const (
	DefaultLockTTL   = time.Minute
	DefaultSkewGuard = 2 * time.Second
)

// Config controls runtime behavior.
type Config struct {
	// DefaultLockTTL applies to tasks without their own LockTTL.
	DefaultLockTTL time.Duration
	// SkewGuard is how long before the next tick a held lease is given up.
	SkewGuard time.Duration
	// KeyPrefix namespaces lock keys.
	KeyPrefix string
}

func (c *Config) normalize() {
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
	if c.SkewGuard <= 0 {
		c.SkewGuard = DefaultSkewGuard
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "task"
	}
}

// Runtime runs registered tasks on their schedules.
type Runtime struct {
	lock   LockProvider
	log    logger.Logger
	config Config
	now    func() time.Time

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a runtime coordinating through lockProvider.
func NewRuntime(lockProvider LockProvider, log logger.Logger, cfg Config) (*Runtime, error) {
	if lockProvider == nil {
		return nil, schedulerError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Runtime{
		lock:   lockProvider,
		log:    log,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		tasks:  map[string]Task{},
	}, nil
}

// Register adds a task. Names are unique.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered task names, sorted.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs every task until ctx is cancelled, then waits for in-flight
// runs to return.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(tasks))
	for _, task := range tasks {
		r.wg.Add(1)
		go r.loop(runCtx, task)
	}

	<-runCtx.Done()
	return r.Stop(context.Background())
}

// Stop cancels the loops and waits for them, bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// RunNow runs the named task once under its lease, outside its schedule.
// It reports whether the lease was acquired.
func (r *Runtime) RunNow(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return false, schedulerError(ErrNotFound, name)
	}
	return r.runTask(ctx, task, time.Time{})
}

func (r *Runtime) loop(ctx context.Context, task Task) {
	defer r.wg.Done()

	next, err := task.NextRun(r.now())
	for {
		if err != nil {
			r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
			return
		}
		timer := time.NewTimer(max(next.Sub(r.now()), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		following, nextErr := task.NextRun(next)
		if nextErr == nil {
			if _, runErr := r.runTask(ctx, task, following); runErr != nil {
				r.log.Error("scheduler task failed", "task", task.Name, "error", runErr)
			}
		}
		next, err = following, nextErr
	}
}

// runTask takes the lease, runs the task while renewing it, then holds the
// lease until just before nextRun. A zero nextRun releases immediately.
func (r *Runtime) runTask(ctx context.Context, task Task, nextRun time.Time) (bool, error) {
	ttl := task.LockTTL
	if ttl <= 0 {
		ttl = r.config.DefaultLockTTL
	}
	lease, acquired, err := r.lock.Acquire(ctx, r.lockKey(task.Name), ttl)
	if err != nil {
		recordSchedulerRun(task.Name, "lock_error")
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		recordSchedulerRun(task.Name, "skipped")
		r.log.Debug("scheduler task held elsewhere", "task", task.Name)
		return false, nil
	}

	incrementSchedulerInFlight(task.Name)
	start := time.Now()
	stopRenew := r.keepRenewed(ctx, task.Name, lease, ttl)
	runErr := safeRun(ctx, task)
	stopRenew()
	decrementSchedulerInFlight(task.Name)
	observeSchedulerRunDuration(task.Name, time.Since(start))

	status := "success"
	if runErr != nil {
		status = "error"
	}
	recordSchedulerRun(task.Name, status)

	if lockErr := r.settleLease(ctx, lease, nextRun); lockErr != nil {
		r.log.Warn("scheduler lease not settled", "task", task.Name, "error", lockErr)
	}
	return true, runErr
}

func (r *Runtime) keepRenewed(ctx context.Context, taskName string, lease *LockLease, ttl time.Duration) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(ttl/2, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := r.lock.Renew(renewCtx, lease, ttl); err != nil {
					recordSchedulerLockRenew(taskName, "error")
					r.log.Warn("scheduler lease renew failed", "task", taskName, "error", err)
					continue
				}
				recordSchedulerLockRenew(taskName, "success")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runtime) settleLease(ctx context.Context, lease *LockLease, nextRun time.Time) error {
	ctx = context.WithoutCancel(ctx)
	if !nextRun.IsZero() {
		if hold := nextRun.Sub(r.now()) - r.config.SkewGuard; hold > 0 {
			return r.lock.Renew(ctx, lease, hold)
		}
	}
	return r.lock.Release(ctx, lease)
}

func (r *Runtime) lockKey(taskName string) string {
	return r.config.KeyPrefix + ":" + taskName
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, p)
		}
	}()
	if err := task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
