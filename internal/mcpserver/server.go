// Package mcpserver implements the MCP Tool Surface: a registry of
// named JSON-RPC tools bound to the Store, DAG Service, Queue Manager,
// Pipeline Engine, and Event Bus, mounted over stdio, HTTP, and SSE
// transports. Grounded on the one repo in the retrieval pack that builds a
// real mark3labs/mcp-go server (jaakkos/stringwork's cmd/mcp-server).
package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomwork/loom/internal/dag"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/ids"
	"github.com/loomwork/loom/internal/pipeline"
	"github.com/loomwork/loom/internal/queue"
	"github.com/loomwork/loom/internal/store"
)

const instructions = `Loom coordinates a multi-stage ticket pipeline driven by short-lived ` +
	`worker subprocesses. Use the project/worker-type tools to configure a workspace, the ` +
	`ticket/dependency tools to shape the work graph, and the worker/event tools to observe ` +
	`and recover running pipelines.`

// Server owns the tool registry and the transport bindings over it.
type Server struct {
	store    *store.Store
	dagSvc   *dag.Service
	queueMgr *queue.Manager
	engine   *pipeline.Engine
	bus      *events.Bus
	idgen    *ids.Generator
	logger   *slog.Logger

	mcp *server.MCPServer
}

// New builds the tool registry over the given components.
func New(st *store.Store, dagSvc *dag.Service, queueMgr *queue.Manager, engine *pipeline.Engine, bus *events.Bus, idgen *ids.Generator, logger *slog.Logger) *Server {
	s := &Server{
		store:    st,
		dagSvc:   dagSvc,
		queueMgr: queueMgr,
		engine:   engine,
		bus:      bus,
		idgen:    idgen,
		logger:   logger,
	}
	s.mcp = server.NewMCPServer("loom", "0.1.0", server.WithInstructions(instructions))
	s.registerProjectTools()
	s.registerWorkerTypeTools()
	s.registerTicketTools()
	s.registerDependencyTools()
	s.registerWorkerTools()
	s.registerEventTools()
	return s
}

// RunStdio serves the tool registry over line-delimited JSON on stdio,
// blocking until ctx is cancelled or the stream closes.
func (s *Server) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// HTTPHandler mounts the Streamable HTTP binding at /mcp and the SSE
// binding at /mcp/events behind permissive CORS — the two
// HTTP-family transports, trusting the loopback (no in-band
// auth beyond that).
func (s *Server) HTTPHandler(baseURL string) http.Handler {
	streamSrv := server.NewStreamableHTTPServer(s.mcp)
	sseSrv := server.NewSSEServer(s.mcp, server.WithBaseURL(baseURL+"/mcp/events"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Mount("/mcp", streamSrv)
	r.Mount("/mcp/events", sseSrv)
	r.Get("/events", s.liveEvents)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}
