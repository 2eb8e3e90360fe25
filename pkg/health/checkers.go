package health

import (
	"context"
	"time"
)

// Checkable is implemented by adapters that can probe their backend.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks a Checkable with a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker wraps adapter. A zero timeout defaults to 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Status: StatusHealthy, Message: "OK"}
	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

func (c *AdapterChecker) Name() string { return c.name }

// CustomChecker builds a checker from a function returning status, message
// and optional metadata.
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewCustomChecker creates a checker from checkFunc.
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, map[string]any, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, metadata, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

func (c *CustomChecker) Name() string { return c.name }
