package conductor

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/config"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/metrics"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

const (
	// helloTimeout bounds how long a fresh connection may stay silent
	// before it must have sent its NodeHello.
	helloTimeout = 10 * time.Second

	// outboundQueueSize is the per-session command buffer. A node that
	// cannot drain it is closed rather than allowed to stall the
	// conductor.
	outboundQueueSize = 256

	writeTimeout = 10 * time.Second
	maxFrameSize = 4 << 20
)

// StatusSink receives node status reports. The reconciler implements it.
type StatusSink interface {
	HandleStatuses(nodeID string, statuses []types.DeploymentStatus)
}

// Session is one node's persistent stream. The read loop owns inbound
// dispatch; the write loop owns the socket for writes. Send is safe from any
// goroutine and never blocks.
type Session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	ledger   *capacity.Ledger
	statuses StatusSink
	logs     *LogBroker
	logger   zerolog.Logger

	nodeID    string
	heartbeat time.Duration
	outbound  chan *wire.Frame
	done      chan struct{}
	closeOne  sync.Once
}

// NewSession wraps an accepted connection. Run drives it to completion.
func NewSession(conn *websocket.Conn, reg *registry.Registry, ledger *capacity.Ledger, statuses StatusSink, logs *LogBroker) *Session {
	return &Session{
		conn:     conn,
		registry: reg,
		ledger:   ledger,
		statuses: statuses,
		logs:     logs,
		logger:   log.WithComponent("session"),
		outbound: make(chan *wire.Frame, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

// Send enqueues a frame for the node. A full queue marks the node as a slow
// consumer and is reported to the caller, which closes the session.
func (s *Session) Send(f *wire.Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound queue full for node %s", s.nodeID)
	}
}

// Close terminates the session. Safe to call more than once; only the first
// reason is recorded.
func (s *Session) Close(reason string) {
	s.closeOne.Do(func() {
		if s.nodeID != "" {
			s.logger.Info().Str("node_id", s.nodeID).Str("reason", reason).Msg("session closed")
			s.registry.Deregister(s.nodeID, reason)
		}
		metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
		close(s.done)
		s.conn.Close()
	})
}

// Run performs the hello handshake and then pumps frames until the session
// dies. It blocks for the lifetime of the connection.
func (s *Session) Run() {
	s.conn.SetReadLimit(maxFrameSize)

	if err := s.handshake(); err != nil {
		s.logger.Warn().Err(err).Str("remote", s.conn.RemoteAddr().String()).Msg("handshake rejected")
		s.Close("handshake rejected")
		return
	}

	go s.writeLoop()
	s.readLoop()
}

// handshake requires a NodeHello as the first frame and registers the node.
func (s *Session) handshake() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	frame, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}

	var hello wire.NodeHello
	if err := wire.Decode(frame, wire.KindNodeHello, &hello); err != nil {
		return err
	}
	if hello.NodeID == "" {
		return fmt.Errorf("hello missing node_id")
	}
	for label, total := range hello.CapacitiesTotal {
		if total <= 0 {
			return fmt.Errorf("non-positive capacity %q declared by %s", label, hello.NodeID)
		}
	}

	interval := time.Duration(hello.HeartbeatMs) * time.Millisecond
	if interval < config.MinHeartbeat {
		interval = config.MinHeartbeat
	}
	if interval > config.MaxHeartbeat {
		interval = config.MaxHeartbeat
	}

	info := types.NodeInfo{
		NodeID:            hello.NodeID,
		Groups:            hello.Groups,
		CapacitiesTotal:   hello.CapacitiesTotal,
		HeartbeatInterval: interval,
		Static:            hello.Static,
	}
	if err := s.registry.Register(info, s); err != nil {
		return err
	}

	s.nodeID = hello.NodeID
	s.heartbeat = interval
	s.ledger.AddNode(hello.NodeID, hello.CapacitiesTotal)

	s.logger.Info().
		Str("node_id", hello.NodeID).
		Strs("groups", hello.Groups).
		Dur("heartbeat", interval).
		Msg("node connected")
	return nil
}

func (s *Session) readLoop() {
	// The registry marks the node stale at 3x its heartbeat; total silence
	// for 10x is a dead transport and terminates the session.
	idleTimeout := 10 * s.heartbeat
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.Close("read failed")
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close("read failed")
			return
		}
		frame, err := wire.Unmarshal(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("node_id", s.nodeID).Msg("malformed frame")
			s.Close("malformed frame")
			return
		}
		if err := s.dispatch(frame); err != nil {
			s.logger.Warn().Err(err).Str("node_id", s.nodeID).Msg("frame rejected")
			s.Close("protocol error")
			return
		}
	}
}

func (s *Session) dispatch(frame *wire.Frame) error {
	switch frame.Kind {
	case wire.KindHeartbeat:
		var hb wire.Heartbeat
		if err := wire.Decode(frame, wire.KindHeartbeat, &hb); err != nil {
			return err
		}
		s.registry.Heartbeat(s.nodeID, hb.Dynamic)
		pong, err := wire.Encode(wire.KindPong, wire.Pong{TimestampUnixMs: types.NowMs()})
		if err != nil {
			return err
		}
		// Best effort; the next heartbeat gets another chance.
		_ = s.Send(pong)
		return nil

	case wire.KindDeploymentStatusList:
		var list wire.DeploymentStatusList
		if err := wire.Decode(frame, wire.KindDeploymentStatusList, &list); err != nil {
			return err
		}
		s.registry.Touch(s.nodeID)
		s.statuses.HandleStatuses(s.nodeID, list.Deployments)
		return nil

	case wire.KindLogBatch:
		var batch wire.LogBatch
		if err := wire.Decode(frame, wire.KindLogBatch, &batch); err != nil {
			return err
		}
		s.registry.Touch(s.nodeID)
		s.logs.Publish(batch.DeploymentID, batch.Entries)
		return nil

	case wire.KindNodeHello:
		return fmt.Errorf("duplicate hello")

	default:
		return fmt.Errorf("unexpected frame kind %q", frame.Kind)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			data, err := wire.Marshal(frame)
			if err != nil {
				s.logger.Error().Err(err).Str("node_id", s.nodeID).Msg("failed to marshal frame")
				continue
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.Close("write failed")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close("write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
