package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/remote"
)

// ExecChecker runs a command inside a jail; exit code 0 is healthy
type ExecChecker struct {
	exec remote.Executor
	host string

	// Jail is the name of the jail to exec into
	Jail string

	// Command is a shell command line, e.g. "pg_isready -U postgres"
	Command string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(exec remote.Executor, host, jail, command string) *ExecChecker {
	return &ExecChecker{
		exec:    exec,
		host:    host,
		Jail:    jail,
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if e.Command == "" {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	out, err := e.exec.Output(execCtx, e.host, remote.Sudo("jexec", e.Jail, "sh", "-c", e.Command))
	message := fmt.Sprintf("Command: %s", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if out != "" {
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, out)
	}
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
