package node

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/config"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/security"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

const (
	// Reconnect backoff bounds.
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 30 * time.Second

	// logFlushInterval batches forwarded log lines per deployment.
	logFlushInterval = 200 * time.Millisecond

	agentOutboundSize = 512
	agentWriteTimeout = 10 * time.Second
)

// Agent is the node process: it keeps one stream to the conductor, runs the
// supervisor, and pumps heartbeats, status reports and subscribed logs.
type Agent struct {
	cfg        config.NodeConfig
	logger     zerolog.Logger
	supervisor *Supervisor

	// Session state, replaced on every reconnect.
	sessionMu sync.Mutex
	conn      *websocket.Conn
	outbound  chan *wire.Frame

	logMu      sync.Mutex
	logPending map[string][]types.LogEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAgent creates a node agent from configuration.
func NewAgent(cfg config.NodeConfig) *Agent {
	a := &Agent{
		cfg:        cfg,
		logger:     log.WithComponent("agent").With().Str("node_id", cfg.NodeID).Logger(),
		logPending: make(map[string][]types.LogEntry),
		stopCh:     make(chan struct{}),
	}
	a.supervisor = NewSupervisor(a.pushStatus, a.queueLog)
	return a
}

// Run connects to the conductor and keeps reconnecting with exponential
// backoff until a termination signal arrives. Workloads keep running across
// reconnects; the conductor resynchronizes from the first status report.
func (a *Agent) Run() error {
	tlsConfig, err := security.ClientTLSConfig(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile, a.cfg.TLS.CAFile)
	if err != nil {
		return fmt.Errorf("failed to build client TLS config: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		a.Stop()
	}()

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	endpoint := url.URL{Scheme: "wss", Host: a.cfg.ConductorAddr, Path: "/connect"}

	delay := reconnectMinDelay
	for {
		select {
		case <-a.stopCh:
			a.supervisor.StopAll()
			return nil
		default:
		}

		conn, _, err := dialer.Dial(endpoint.String(), nil)
		if err != nil {
			a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to reach conductor")
			select {
			case <-time.After(delay):
			case <-a.stopCh:
				a.supervisor.StopAll()
				return nil
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectMinDelay
		a.logger.Info().Str("conductor", a.cfg.ConductorAddr).Msg("connected")
		a.runSession(conn)
		a.logger.Warn().Msg("session ended, reconnecting")
	}
}

// Stop requests a graceful shutdown; Run stops all workloads and returns.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.sessionMu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.sessionMu.Unlock()
	})
}

// runSession drives one connection to completion.
func (a *Agent) runSession(conn *websocket.Conn) {
	outbound := make(chan *wire.Frame, agentOutboundSize)
	done := make(chan struct{})

	a.sessionMu.Lock()
	a.conn = conn
	a.outbound = outbound
	a.sessionMu.Unlock()

	var writers sync.WaitGroup
	defer func() {
		// The writer goroutines select on done; it must close before the
		// Wait or a dropped connection would wedge the session forever.
		close(done)
		conn.Close()
		writers.Wait()
		a.sessionMu.Lock()
		a.conn = nil
		a.outbound = nil
		a.sessionMu.Unlock()
	}()

	hello, err := wire.Encode(wire.KindNodeHello, wire.NodeHello{
		NodeID:          a.cfg.NodeID,
		Groups:          a.cfg.Groups,
		CapacitiesTotal: a.cfg.CapacitiesTotal,
		HeartbeatMs:     a.cfg.HeartbeatInterval().Milliseconds(),
		Static:          CollectStatic(),
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to encode hello")
		return
	}
	outbound <- hello

	writers.Add(3)
	go a.writeLoop(&writers, conn, outbound, done)
	go a.heartbeatLoop(&writers, done)
	go a.logFlushLoop(&writers, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Unmarshal(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("malformed frame from conductor")
			return
		}
		a.dispatch(frame)
	}
}

func (a *Agent) dispatch(frame *wire.Frame) {
	switch frame.Kind {
	case wire.KindDeploymentReq:
		var req wire.DeploymentReq
		if err := wire.Decode(frame, wire.KindDeploymentReq, &req); err != nil {
			a.logger.Warn().Err(err).Msg("bad deployment request")
			return
		}
		a.logger.Info().
			Str("deployment_id", req.DeploymentID).
			Str("command", string(req.Command)).
			Uint64("revision", req.Revision).
			Msg("deployment command")
		a.supervisor.Apply(req)
		a.pushStatus()

	case wire.KindDeploymentCancel:
		var cancel wire.DeploymentCancel
		if err := wire.Decode(frame, wire.KindDeploymentCancel, &cancel); err != nil {
			return
		}
		a.logger.Info().Str("deployment_id", cancel.DeploymentID).Msg("deployment canceled")
		a.supervisor.Cancel(cancel.DeploymentID)
		a.pushStatus()

	case wire.KindLogSubscribe:
		var sub wire.LogSubscribe
		if err := wire.Decode(frame, wire.KindLogSubscribe, &sub); err != nil {
			return
		}
		backfill := a.supervisor.Subscribe(sub.DeploymentID, sub.Tail)
		if len(backfill) > 0 {
			a.sendLogBatch(sub.DeploymentID, backfill)
		}

	case wire.KindLogUnsubscribe:
		var unsub wire.LogUnsubscribe
		if err := wire.Decode(frame, wire.KindLogUnsubscribe, &unsub); err != nil {
			return
		}
		a.supervisor.Unsubscribe(unsub.DeploymentID)

	case wire.KindPong:
		// Heartbeat acknowledged; nothing to do.

	default:
		a.logger.Warn().Str("kind", string(frame.Kind)).Msg("unexpected frame from conductor")
	}
}

func (a *Agent) writeLoop(wg *sync.WaitGroup, conn *websocket.Conn, outbound chan *wire.Frame, done chan struct{}) {
	defer wg.Done()
	for {
		select {
		case frame := <-outbound:
			data, err := wire.Marshal(frame)
			if err != nil {
				a.logger.Error().Err(err).Msg("failed to marshal frame")
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(agentWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (a *Agent) heartbeatLoop(wg *sync.WaitGroup, done chan struct{}) {
	defer wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()

	// First heartbeat right away so the conductor sees resources early.
	a.sendHeartbeat()
	a.pushStatus()

	for {
		select {
		case <-ticker.C:
			a.sendHeartbeat()
			a.pushStatus()
		case <-done:
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() {
	frame, err := wire.Encode(wire.KindHeartbeat, wire.Heartbeat{
		NodeID:  a.cfg.NodeID,
		Dynamic: CollectDynamic(),
	})
	if err != nil {
		return
	}
	a.send(frame)
}

// pushStatus sends a full status list. It runs on every heartbeat and
// immediately on any deployment state change.
func (a *Agent) pushStatus() {
	frame, err := wire.Encode(wire.KindDeploymentStatusList, wire.DeploymentStatusList{
		Deployments: a.supervisor.Statuses(),
	})
	if err != nil {
		return
	}
	if a.send(frame) {
		// Terminal statuses of canceled deployments have now been
		// reported at least once.
		a.supervisor.ReapCanceled()
	}
}

func (a *Agent) queueLog(deploymentID string, entry types.LogEntry) {
	a.logMu.Lock()
	defer a.logMu.Unlock()
	a.logPending[deploymentID] = append(a.logPending[deploymentID], entry)
}

func (a *Agent) logFlushLoop(wg *sync.WaitGroup, done chan struct{}) {
	defer wg.Done()
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flushLogs()
		case <-done:
			return
		}
	}
}

func (a *Agent) flushLogs() {
	a.logMu.Lock()
	pending := a.logPending
	a.logPending = make(map[string][]types.LogEntry)
	a.logMu.Unlock()

	for deploymentID, entries := range pending {
		a.sendLogBatch(deploymentID, entries)
	}
}

func (a *Agent) sendLogBatch(deploymentID string, entries []types.LogEntry) {
	frame, err := wire.Encode(wire.KindLogBatch, wire.LogBatch{
		DeploymentID: deploymentID,
		Entries:      entries,
	})
	if err != nil {
		return
	}
	a.send(frame)
}

// send enqueues a frame on the current session. Frames are dropped when no
// session exists or the queue is full; the conductor resynchronizes from
// periodic heartbeats and status lists.
func (a *Agent) send(frame *wire.Frame) bool {
	a.sessionMu.Lock()
	outbound := a.outbound
	a.sessionMu.Unlock()
	if outbound == nil {
		return false
	}
	select {
	case outbound <- frame:
		return true
	default:
		a.logger.Warn().Str("kind", string(frame.Kind)).Msg("outbound queue full, dropping frame")
		return false
	}
}
