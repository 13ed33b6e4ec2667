// Package server wires the coordination server's components into a single
// runnable process: Store, DAG Service, Queue Manager, Worker Supervisor,
// Pipeline Engine, Event Bus, and the MCP tool surface over whichever
// transport cmd/loomd selects.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/dag"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/ids"
	"github.com/loomwork/loom/internal/mcpserver"
	"github.com/loomwork/loom/internal/pipeline"
	"github.com/loomwork/loom/internal/queue"
	"github.com/loomwork/loom/internal/store"
	"github.com/loomwork/loom/internal/worker"
)

// Server is the fully-wired coordination server.
type Server struct {
	cfg *config.Config

	store    *store.Store
	dagSvc   *dag.Service
	queueMgr *queue.Manager
	sup      *worker.Supervisor
	scratch  *worker.ScratchManager
	bus      *events.Bus
	idgen    *ids.Generator
	engine   *pipeline.Engine
	mcp      *mcpserver.Server
	logger   *slog.Logger
}

// New opens the store, applies migrations, and wires every component.
// Construction order matters: the Queue Manager must exist before the
// Pipeline Engine (which holds a reference to it), and the Engine must
// exist before the Manager's dispatcher can be bound to it.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	scratch, err := worker.NewScratchManager(cfg.Worker.ScratchRoot)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create scratch manager: %w", err)
	}

	idgen := ids.NewGenerator()
	if err := seedGenerator(st, idgen); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed id generator: %w", err)
	}

	bus := events.New()
	dagSvc := dag.New(st)
	sup := worker.NewSupervisor(st, scratch, logger)
	queueMgr := queue.New(nil)

	engine := pipeline.New(st, dagSvc, queueMgr, sup, bus, idgen, logger, pipeline.Config{
		DefaultBinary:  cfg.Worker.DefaultBinary,
		DefaultTimeout: cfg.Worker.DefaultTimeout,
		MCPEndpoint:    cfg.Worker.MCPEndpoint,
		LogLevel:       cfg.Log.Level,
		SettingsTmpl:   cfg.Worker.SettingsTmpl,
	})
	queueMgr.SetDispatcher(engine)

	mcp := mcpserver.New(st, dagSvc, queueMgr, engine, bus, idgen, logger)

	return &Server{
		cfg:      cfg,
		store:    st,
		dagSvc:   dagSvc,
		queueMgr: queueMgr,
		sup:      sup,
		scratch:  scratch,
		bus:      bus,
		idgen:    idgen,
		engine:   engine,
		mcp:      mcp,
		logger:   logger,
	}, nil
}

// seedGenerator restores each project's ticket sequence counter from the
// highest numeric suffix already persisted, so minted ids never collide
// with tickets created before a restart.
func seedGenerator(st *store.Store, idgen *ids.Generator) error {
	projects, err := st.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		tickets, err := st.ListTickets(store.TicketFilter{ProjectID: p.RepositoryName})
		if err != nil {
			return err
		}
		var highest int
		for _, t := range tickets {
			if idx := strings.LastIndex(t.TicketID, "-"); idx >= 0 {
				if n, err := strconv.Atoi(t.TicketID[idx+1:]); err == nil && n > highest {
					highest = n
				}
			}
		}
		idgen.Seed(p.RepositoryName, highest)
	}
	return nil
}

// Close releases the store's connection pool.
func (s *Server) Close() error {
	return s.store.Close()
}

// Run recovers stalled state, starts the reconciliation sweep, and serves
// the MCP tool surface over the configured transport until ctx is
// cancelled. It returns once every background goroutine has exited.
func (s *Server) Run(ctx context.Context) error {
	if err := s.engine.Recover(s.scratch); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	interval := s.cfg.Reconcile.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	g.Go(func() error {
		return s.engine.RunReconciler(ctx, interval)
	})

	g.Go(func() error {
		return s.serveTransport(ctx)
	})

	return g.Wait()
}

func (s *Server) serveTransport(ctx context.Context) error {
	switch s.cfg.Transport.Mode {
	case "stdio":
		return s.mcp.RunStdio(ctx, os.Stdin, os.Stdout)
	case "http", "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Transport.Port)
		baseURL := fmt.Sprintf("http://localhost:%d", s.cfg.Transport.Port)
		httpSrv := &http.Server{Addr: addr, Handler: s.mcp.HTTPHandler(baseURL)}

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Transport.Mode)
	}
}
