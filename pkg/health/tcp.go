package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/hangar/pkg/metrics"
)

// TCPChecker verifies that an address accepts connections. The
// supervisor points it at its own worker listener.
type TCPChecker struct {
	// Address is the TCP address to connect to
	Address string

	// Component, when set, is updated in the component health registry
	Component string

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check dials the address
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		r := result(start, false, fmt.Sprintf("connection failed: %v", err))
		t.report(r)
		return r
	}
	conn.Close()

	r := result(start, true, fmt.Sprintf("TCP connection to %s successful", t.Address))
	t.report(r)
	return r
}

func (t *TCPChecker) report(r Result) {
	if t.Component != "" {
		metrics.UpdateComponent(t.Component, r.Healthy, r.Message)
	}
}

func (t *TCPChecker) Name() string {
	return "listener"
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
