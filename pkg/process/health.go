package process

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// PortHealthChecker checks if a service is listening on a TCP port.
// The port is looked up on every attempt because it may only become known
// after the process has printed it.
type PortHealthChecker struct {
	Host     string
	Port     func() int
	Interval time.Duration
}

// NewPortHealthChecker creates a health checker for a TCP port.
func NewPortHealthChecker(host string, port func() int) *PortHealthChecker {
	return &PortHealthChecker{
		Host:     host,
		Port:     port,
		Interval: 500 * time.Millisecond,
	}
}

// Check blocks until a TCP connection to the port succeeds or ctx ends.
// Unknown (negative) ports are treated as not ready.
func (h *PortHealthChecker) Check(ctx context.Context) error {
	for {
		if port := h.Port(); port >= 0 {
			addr := net.JoinHostPort(h.Host, strconv.Itoa(port))

			conn, err := net.DialTimeout("tcp", addr, 1*time.Second)
			if err == nil {
				conn.Close()

				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("port on %s not ready: %w", h.Host, ctx.Err())
		case <-time.After(h.Interval):
			// Retry
		}
	}
}

// Name returns a human-readable identifier for this health check.
func (h *PortHealthChecker) Name() string {
	return fmt.Sprintf("port-%s:%d", h.Host, h.Port())
}
