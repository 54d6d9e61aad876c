package conductor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/security"
)

// ConnectPath is the websocket endpoint nodes dial on the session listener.
const ConnectPath = "/connect"

// SessionServer is the mTLS listener accepting node streams. Authentication
// happens at the TLS layer; any peer reaching the upgrade already presented
// a CA-signed client certificate.
type SessionServer struct {
	addr     string
	certDir  string
	registry *registry.Registry
	ledger   *capacity.Ledger
	statuses StatusSink
	logs     *LogBroker
	logger   zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewSessionServer creates the node-facing listener.
func NewSessionServer(addr, certDir string, reg *registry.Registry, ledger *capacity.Ledger, statuses StatusSink, logs *LogBroker) *SessionServer {
	return &SessionServer{
		addr:     addr,
		certDir:  certDir,
		registry: reg,
		ledger:   ledger,
		statuses: statuses,
		logs:     logs,
		logger:   log.WithComponent("session-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are node agents, not browsers; origin checks do not
			// apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (s *SessionServer) Start() error {
	tlsConfig, err := security.ServerTLSConfig(s.certDir)
	if err != nil {
		return fmt.Errorf("failed to build server TLS config: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, s.handleConnect)

	s.httpServer = &http.Server{
		Addr:      s.addr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	s.logger.Info().Str("addr", s.addr).Msg("session listener starting")
	if err := s.httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("session listener failed: %w", err)
	}
	return nil
}

// Stop shuts the listener down. Established sessions are closed by their
// own read loops as connections drop.
func (s *SessionServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *SessionServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	session := NewSession(conn, s.registry, s.ledger, s.statuses, s.logs)
	go session.Run()
}
