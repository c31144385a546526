package health

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPCheckerReachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open listener: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected reachable port to report healthy, got: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("expected a positive check duration")
	}
}

func TestTCPCheckerClosedPort(t *testing.T) {
	// Bind then close to obtain a port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	result := NewTCPChecker(addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	if result.Healthy {
		t.Error("expected closed port to report unhealthy")
	}
}

func TestTCPCheckerType(t *testing.T) {
	if got := NewTCPChecker("db.internal:5432").Type(); got != CheckTypeTCP {
		t.Errorf("Type() = %s, want %s", got, CheckTypeTCP)
	}
}
