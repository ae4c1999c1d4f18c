package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
)

// ErrUnhealthy is returned by Wait when a checker never reports healthy
var ErrUnhealthy = errors.New("health check failed")

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config controls how long a freshly started jail gets to become healthy
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retries is the number of attempts before giving up
	Retries int

	// StartPeriod is waited once before the first attempt
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  30,
	}
}

// Status tracks consecutive results of a checker
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// Update records a new result
func (s *Status) Update(result Result) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.Healthy = false
}

// Wait runs c until it reports healthy or the retries are used up. The
// returned status holds the last result either way.
func Wait(ctx context.Context, c Checker, cfg Config) (*Status, error) {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	status := &Status{}

	if err := sleep(ctx, cfg.StartPeriod); err != nil {
		return status, err
	}
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		result := c.Check(checkCtx)
		cancel()
		status.Update(result)

		if result.Healthy {
			metrics.HealthChecksTotal.WithLabelValues(string(c.Type()), "healthy").Inc()
			return status, nil
		}
		if attempt == cfg.Retries {
			break
		}
		if err := sleep(ctx, cfg.Interval); err != nil {
			return status, err
		}
	}

	metrics.HealthChecksTotal.WithLabelValues(string(c.Type()), "unhealthy").Inc()
	return status, fmt.Errorf("%w after %d attempts: %s", ErrUnhealthy, status.ConsecutiveFailures, status.LastResult.Message)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// seconds renders a timeout for FreeBSD tools taking whole seconds
func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
