package metrics

import (
	"time"

	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
)

// Collector periodically samples cluster state into the registered gauges.
type Collector struct {
	registry *registry.Registry
	store    storage.Store
	broker   *events.Broker
	stopCh   chan struct{}
}

// NewCollector creates a collector over the conductor's live state.
func NewCollector(reg *registry.Registry, store storage.Store, broker *events.Broker) *Collector {
	return &Collector{
		registry: reg,
		store:    store,
		broker:   broker,
		stopCh:   make(chan struct{}),
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
	c.collectNodeMetrics()
	c.collectDeploymentMetrics()

	if c.broker != nil {
		EventFanoutDropped.Set(float64(c.broker.Dropped()))
	}
}

func (c *Collector) collectNodeMetrics() {
	counts := map[types.NodeState]int{
		types.NodeConnected:    0,
		types.NodeStale:        0,
		types.NodeDisconnected: 0,
	}
	for _, n := range c.registry.Snapshot() {
		counts[n.State]++
	}
	for state, n := range counts {
		NodesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectDeploymentMetrics() {
	all, err := c.store.ListAll()
	if err != nil {
		return
	}

	counts := make(map[types.CurrentState]int)
	for _, d := range all {
		if d.Deleted {
			continue
		}
		counts[d.CurrentState]++
	}

	for _, state := range []types.CurrentState{
		types.StatePending, types.StateStarting, types.StateRunning,
		types.StateStopping, types.StateStopped, types.StateFailed,
		types.StateUnknown,
	} {
		DeploymentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
