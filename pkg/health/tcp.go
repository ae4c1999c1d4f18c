package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/remote"
)

// TCPChecker checks that a jail accepts connections on a port. The probe
// runs on the host, since jail addresses are only reachable there.
type TCPChecker struct {
	exec remote.Executor
	host string

	// Address is ip:port on the host's loopback alias interface
	Address string

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(exec remote.Executor, host, address string) *TCPChecker {
	return &TCPChecker{
		exec:    exec,
		host:    host,
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ip, port, err := splitAddress(t.Address)
	if err != nil {
		return Result{Message: err.Error(), CheckedAt: start}
	}
	if err := t.exec.Run(ctx, t.host, remote.Cmd("nc", "-z", "-w", seconds(t.Timeout), ip, port)); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection to %s failed: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
