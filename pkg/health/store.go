package health

import (
	"context"
	"fmt"
	"time"

	"github.com/acnlabs/acn/pkg/storage"
)

// StoreChecker probes the durable store with a cheap read. It exercises the
// full roundtrip on either backend: a bucket scan on Bolt, a query on
// Postgres.
type StoreChecker struct {
	Store storage.Store
}

// NewStoreChecker creates a health checker over the durable store
func NewStoreChecker(store storage.Store) *StoreChecker {
	return &StoreChecker{Store: store}
}

// Check performs the store health check
func (s *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		_, err := s.Store.ListSubnets()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("store read failed: %v", err),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		return Result{
			Healthy:   true,
			Message:   "store reachable",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	case <-ctx.Done():
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("store read cancelled: %v", ctx.Err()),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
}

// Type returns the health check type
func (s *StoreChecker) Type() CheckType {
	return CheckTypeStore
}
