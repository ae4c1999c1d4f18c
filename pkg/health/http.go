package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/burrow/pkg/remote"
)

// HTTPChecker requests a URL from the host with fetch(1), which exits
// non-zero on connection errors and HTTP error statuses
type HTTPChecker struct {
	exec remote.Executor
	host string

	// URL is the full URL to check, e.g. http://10.0.0.2:3000/up
	URL string

	// Timeout is the request timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(exec remote.Executor, host, url string) *HTTPChecker {
	return &HTTPChecker{
		exec:    exec,
		host:    host,
		URL:     url,
		Timeout: 10 * time.Second,
	}
}

// Check performs the HTTP health check
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	cmd := remote.Cmd("fetch", "-q", "-o", "/dev/null", "-T", seconds(h.Timeout), h.URL)
	if err := h.exec.Run(ctx, h.host, cmd); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request to %s failed: %v", h.URL, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("GET %s succeeded", h.URL),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout sets the request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Timeout = timeout
	return h
}

// URLFor builds the URL of path on a jail address
func URLFor(address, path string) string {
	return "http://" + address + path
}

func splitAddress(address string) (string, string, error) {
	ip, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	return ip, port, nil
}
