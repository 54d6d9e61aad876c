package conductor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ttheew/symphony/pkg/api"
	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/config"
	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/metrics"
	"github.com/ttheew/symphony/pkg/reconciler"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/scheduler"
	"github.com/ttheew/symphony/pkg/security"
	"github.com/ttheew/symphony/pkg/storage"
)

// Conductor is the control plane process: deployment store, node sessions,
// scheduler, reconciler and the HTTP API, wired together.
type Conductor struct {
	cfg    config.ConductorConfig
	logger zerolog.Logger

	store       storage.Store
	registry    *registry.Registry
	ledger      *capacity.Ledger
	assignments *reconciler.Assignments
	broker      *events.Broker
	logs        *LogBroker
	rec         *reconciler.Reconciler
	collector   *metrics.Collector
	sessions    *SessionServer
	apiServer   *api.Server

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a conductor from configuration. Certificate material is
// bootstrapped on first boot.
func New(cfg config.ConductorConfig) (*Conductor, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	host, _, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		host = ""
	}
	if err := security.Bootstrap(cfg.CertDir, []string{host}); err != nil {
		return nil, fmt.Errorf("failed to bootstrap certificates: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c := &Conductor{
		cfg:         cfg,
		logger:      log.WithComponent("conductor"),
		store:       store,
		registry:    registry.NewRegistry(),
		ledger:      capacity.NewLedger(),
		assignments: reconciler.NewAssignments(),
		broker:      events.NewBroker(),
		stopCh:      make(chan struct{}),
	}

	sched := scheduler.NewScheduler(c.registry, c.ledger, c.assignments)
	c.rec = reconciler.New(store, c.registry, c.ledger, sched, c.assignments, c.broker, cfg.SweepInterval())
	c.logs = NewLogBroker(c.registry, c.assignments)
	c.sessions = NewSessionServer(cfg.Listen, cfg.CertDir, c.registry, c.ledger, c.rec, c.logs)
	c.collector = metrics.NewCollector(c.registry, store, c.broker)

	c.apiServer = api.NewServer(api.Options{
		Addr:     cfg.HTTPListen,
		Store:    store,
		Registry: c.registry,
		Ledger:   c.ledger,
		Broker:   c.broker,
		Enqueue:  c.rec.Enqueue,
		SubscribeLogs: func(deploymentID string, tail int) (api.LogStream, error) {
			return c.logs.Subscribe(deploymentID, tail)
		},
		AssignedTo: func(nodeID string) []string {
			assignments := c.assignments.ForNode(nodeID)
			ids := make([]string, 0, len(assignments))
			for _, a := range assignments {
				ids = append(ids, a.DeploymentID)
			}
			sort.Strings(ids)
			return ids
		},
	})

	return c, nil
}

// Run starts every subsystem and blocks until a termination signal or a
// listener failure.
func (c *Conductor) Run() error {
	c.broker.Start()
	c.collector.Start()
	c.rec.Start()

	errCh := make(chan error, 2)
	go func() { errCh <- c.sessions.Start() }()
	go func() { errCh <- c.apiServer.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	c.logger.Info().
		Str("listen", c.cfg.Listen).
		Str("http_listen", c.cfg.HTTPListen).
		Msg("conductor started")

	var runErr error
	select {
	case sig := <-sigCh:
		c.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-c.stopCh:
		c.logger.Info().Msg("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			c.logger.Error().Err(runErr).Msg("listener failed")
		}
	case runErr = <-c.rec.Fatal():
		c.logger.Error().Err(runErr).Msg("unrecoverable reconciler failure")
	}

	if err := c.shutdown(); err != nil {
		c.logger.Warn().Err(err).Msg("shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// Stop requests a graceful shutdown; Run returns once it completes.
func (c *Conductor) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Conductor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Both HTTP surfaces drain concurrently within the shutdown budget.
	var listeners errgroup.Group
	listeners.Go(func() error {
		if err := c.apiServer.Stop(ctx); err != nil {
			return fmt.Errorf("api shutdown failed: %w", err)
		}
		return nil
	})
	listeners.Go(func() error {
		if err := c.sessions.Stop(ctx); err != nil {
			return fmt.Errorf("session listener shutdown failed: %w", err)
		}
		return nil
	})

	var result *multierror.Error
	if err := listeners.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	c.rec.Stop()
	c.collector.Stop()
	c.broker.Stop()
	if err := c.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store close failed: %w", err))
	}
	return result.ErrorOrNil()
}
