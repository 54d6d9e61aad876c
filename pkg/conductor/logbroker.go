package conductor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/metrics"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

const (
	// subBufferSize is the per-subscriber log buffer. A subscriber that
	// falls this far behind is dropped; delivered entries never have gaps.
	subBufferSize = 256

	// backfillLimit caps the entries retained per deployment while a stream
	// is active, serving the tail of subscribers that join later.
	backfillLimit = 1024
)

// Holder resolves which node currently runs a deployment. The reconciler's
// assignment table implements it.
type Holder interface {
	NodeFor(deploymentID string) (string, bool)
}

// LogBroker fans node log batches out to API stream subscribers. The node is
// asked to forward logs only while at least one subscriber exists.
type LogBroker struct {
	registry *registry.Registry
	holder   Holder
	logger   zerolog.Logger

	mu   sync.Mutex
	subs map[string]*fanout
}

// fanout is the per-deployment subscriber set plus the retained window that
// backfills subscribers joining after the node-side tail was served.
type fanout struct {
	subs   map[*LogSub]struct{}
	recent []types.LogEntry
}

// LogSub is one consumer of a deployment's log stream.
type LogSub struct {
	deploymentID string
	ch           chan types.LogEntry
	broker       *LogBroker
}

// Entries returns the subscriber's delivery channel. It is closed on Cancel.
func (s *LogSub) Entries() <-chan types.LogEntry {
	return s.ch
}

// Cancel detaches the subscriber. The node-side forwarding stops when the
// last subscriber for the deployment goes away.
func (s *LogSub) Cancel() {
	s.broker.cancel(s)
}

// NewLogBroker creates a log broker over the registry.
func NewLogBroker(reg *registry.Registry, holder Holder) *LogBroker {
	return &LogBroker{
		registry: reg,
		holder:   holder,
		logger:   log.WithComponent("logbroker"),
		subs:     make(map[string]*fanout),
	}
}

// Subscribe attaches a consumer to a deployment's log stream, asking the
// holding node to backfill the most recent tail entries first.
func (b *LogBroker) Subscribe(deploymentID string, tail int) (*LogSub, error) {
	nodeID, ok := b.holder.NodeFor(deploymentID)
	if !ok {
		return nil, fmt.Errorf("deployment %s is not running on any node", deploymentID)
	}
	sender, ok := b.registry.Sender(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s is not connected", nodeID)
	}

	sub := &LogSub{
		deploymentID: deploymentID,
		ch:           make(chan types.LogEntry, subBufferSize),
		broker:       b,
	}

	b.mu.Lock()
	f := b.subs[deploymentID]
	first := f == nil
	if first {
		f = &fanout{subs: make(map[*LogSub]struct{})}
		b.subs[deploymentID] = f
	} else {
		// The node streams its tail only once, to the first subscriber;
		// later ones are backfilled from the retained window.
		start := 0
		if tail > 0 && tail < len(f.recent) {
			start = len(f.recent) - tail
		}
		for _, entry := range f.recent[start:] {
			select {
			case sub.ch <- entry:
			default:
			}
		}
	}
	f.subs[sub] = struct{}{}
	b.mu.Unlock()

	if first {
		frame, err := wire.Encode(wire.KindLogSubscribe, wire.LogSubscribe{
			DeploymentID: deploymentID,
			Tail:         tail,
		})
		if err == nil {
			err = sender.Send(frame)
		}
		if err != nil {
			sub.Cancel()
			return nil, fmt.Errorf("failed to request log stream: %w", err)
		}
	}
	return sub, nil
}

// Publish distributes a node's log batch to all subscribers. A subscriber
// whose buffer overflows is detached rather than given a gapped stream.
func (b *LogBroker) Publish(deploymentID string, entries []types.LogEntry) {
	b.mu.Lock()
	f := b.subs[deploymentID]
	if f == nil {
		b.mu.Unlock()
		return
	}
	f.recent = append(f.recent, entries...)
	if excess := len(f.recent) - backfillLimit; excess > 0 {
		f.recent = append([]types.LogEntry(nil), f.recent[excess:]...)
	}
	subs := make([]*LogSub, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(deploymentID, sub, entries)
	}
}

func (b *LogBroker) deliver(deploymentID string, sub *LogSub, entries []types.LogEntry) {
	for _, entry := range entries {
		select {
		case sub.ch <- entry:
		default:
			metrics.LogFanoutDroppedTotal.Inc()
			b.logger.Warn().
				Str("deployment_id", deploymentID).
				Msg("dropping slow log subscriber")
			sub.Cancel()
			return
		}
	}
}

func (b *LogBroker) cancel(sub *LogSub) {
	b.mu.Lock()
	f, ok := b.subs[sub.deploymentID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, present := f.subs[sub]; !present {
		b.mu.Unlock()
		return
	}
	delete(f.subs, sub)
	last := len(f.subs) == 0
	if last {
		delete(b.subs, sub.deploymentID)
	}
	b.mu.Unlock()

	close(sub.ch)

	if last {
		if nodeID, ok := b.holder.NodeFor(sub.deploymentID); ok {
			if sender, ok := b.registry.Sender(nodeID); ok {
				frame, err := wire.Encode(wire.KindLogUnsubscribe, wire.LogUnsubscribe{
					DeploymentID: sub.deploymentID,
				})
				if err == nil {
					_ = sender.Send(frame)
				}
			}
		}
	}
}
