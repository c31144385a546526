package registry

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// Watchdog periodically marks agents offline once their liveness key has
// expired. It is the only place the durable status field transitions to
// offline automatically.
type Watchdog struct {
	store    storage.Store
	eph      storage.Ephemeral
	recorder *audit.Recorder
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewWatchdog creates a watchdog scanning on the given interval.
func NewWatchdog(store storage.Store, eph storage.Ephemeral, recorder *audit.Recorder, interval time.Duration) *Watchdog {
	return &Watchdog{
		store:    store,
		eph:      eph,
		recorder: recorder,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("watchdog"),
	}
}

// Start begins the scan loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the watchdog.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(); err != nil {
				w.logger.Error().Err(err).Msg("Watchdog sweep failed")
			}
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one scan: every agent marked online whose liveness key has
// expired is flipped to offline. Exported so tests and operator tooling can
// force a pass without waiting for the ticker.
func (w *Watchdog) Sweep() error {
	agents, err := w.store.SearchAgents(&storage.AgentQuery{Status: types.AgentStatusOnline})
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	alive := w.eph.BatchIsAlive(ids)

	for _, agent := range agents {
		if alive[agent.ID] {
			continue
		}
		agent.Status = types.AgentStatusOffline
		if err := w.store.UpdateAgent(agent); err != nil {
			w.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("Failed to mark agent offline")
			continue
		}
		w.recorder.Emit(audit.EventAgentOffline, map[string]interface{}{
			"agent_id": agent.ID,
		})
		w.logger.Info().
			Str("agent_id", agent.ID).
			Time("last_heartbeat", agent.LastHeartbeat).
			Msg("Agent marked offline: liveness expired")
	}
	return nil
}
