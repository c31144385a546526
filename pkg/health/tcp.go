package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes raw reachability of a network dependency, typically the
// Postgres host when the durable backend is relational. It only proves the
// port answers; the StoreChecker covers query-level health.
type TCPChecker struct {
	// Address is the host:port to dial.
	Address string

	// Timeout bounds the dial (default 5 s).
	Timeout time.Duration
}

// NewTCPChecker creates a reachability checker for address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check dials the address and reports whether the connection opened.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s reachable", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
