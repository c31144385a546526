package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
)

// Monitor runs named checkers on an interval and publishes results to the
// component health registry, which backs the /health and /ready endpoints.
type Monitor struct {
	config   Config
	checkers map[string]Checker
	statuses map[string]*Status
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewMonitor creates a monitor with the given shared check config
func NewMonitor(config Config) *Monitor {
	return &Monitor{
		config:   config,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*Status),
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a named checker. The component shows as healthy until its
// first check completes.
func (m *Monitor) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[name] = checker
	m.statuses[name] = NewStatus()
	metrics.RegisterComponent(name, true, "awaiting first check")
}

// Start begins the check loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the check loop
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.checkAll()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.checkOne(name)
	}
}

func (m *Monitor) checkOne(name string) {
	m.mu.Lock()
	checker := m.checkers[name]
	status := m.statuses[name]
	m.mu.Unlock()
	if checker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()
	result := checker.Check(ctx)

	m.mu.Lock()
	status.Update(result, m.config)
	healthy := status.Healthy
	m.mu.Unlock()

	if !result.Healthy {
		m.logger.Warn().
			Str("check", name).
			Str("check_type", string(checker.Type())).
			Msg(result.Message)
	}
	metrics.UpdateComponent(name, healthy, result.Message)
}

// Snapshot returns the current status per registered checker.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = *status
	}
	return out
}
