package metrics

import (
	"time"

	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// Collector gauges entity counts from the store on a fixed interval. Event
// counters (messages, frames, deliveries) are incremented inline by the
// components that own them.
type Collector struct {
	store  storage.Store
	eph    storage.Ephemeral
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, eph storage.Ephemeral) *Collector {
	return &Collector{
		store:  store,
		eph:    eph,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectSubnetMetrics()
	c.collectTaskMetrics()
	c.collectDLQMetrics()
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.store.ListAgents()
	if err != nil {
		return
	}

	statusCounts := make(map[string]int)
	ids := make([]string, 0, len(agents))
	for _, agent := range agents {
		statusCounts[string(agent.Status)]++
		ids = append(ids, agent.ID)
	}
	for status, count := range statusCounts {
		AgentsTotal.WithLabelValues(status).Set(float64(count))
	}

	online := 0
	for _, alive := range c.eph.BatchIsAlive(ids) {
		if alive {
			online++
		}
	}
	AgentsOnline.Set(float64(online))
}

func (c *Collector) collectSubnetMetrics() {
	subnets, err := c.store.ListSubnets()
	if err != nil {
		return
	}

	SubnetsTotal.Set(float64(len(subnets)))
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	taskCounts := make(map[types.TaskStatus]int)
	for _, task := range tasks {
		taskCounts[task.Status]++
	}
	for status, count := range taskCounts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectDLQMetrics() {
	entries, err := c.store.ListDLQ()
	if err != nil {
		return
	}

	DLQDepth.Set(float64(len(entries)))
}
