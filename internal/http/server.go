package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"docgate/pkg/catalog"
	"docgate/pkg/cluster"
	"docgate/pkg/docdb"
	"docgate/pkg/metrics"
	"docgate/pkg/raftadapter"
	"docgate/pkg/txn"
	"docgate/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iCatalog interface {
	Resolve(id types.TableID) (*catalog.TableDesc, error)
	ResolveName(name string) (*catalog.TableDesc, error)
	Tables() []*catalog.TableDesc
}

type iRouter interface {
	Write(ctx context.Context, batch docdb.Batch) ([]int, error)
	Get(ctx context.Context, key []byte) (map[string]any, bool, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]map[string]any, error)
	LocalTablet(id types.TabletID) (cluster.Tablet, error)
}

type iTxnCoordinator interface {
	Commit(ctx context.Context, txnID uuid.UUID, mutations []docdb.Mutation) ([]int, error)
	Record(id uuid.UUID) (txn.Record, bool)
	Records() []txn.Record
}

type iRaftNode interface {
	IsLeader() bool
	LeaderID() uint64
	Handle(ctx context.Context, message raftpb.Message) error
}

type iMetrics interface {
	metrics.Collector
	Handler() http.Handler
}

// Deps are the components the server exposes. Raft and Metrics are optional.
type Deps struct {
	Catalog iCatalog
	Router  iRouter
	Txns    iTxnCoordinator
	Raft    iRaftNode
	Metrics iMetrics
}

// Server represents the HTTP surface of a tablet server: the DML API for
// clients and the internal endpoints other nodes call.
type Server struct {
	deps       Deps
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(deps Deps, port int, readHeaderTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	return &Server{
		deps:              deps,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
		readHeaderTimeout: readHeaderTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/tables", func(r chi.Router) {
		r.Get("/", s.handleListTables)
		r.Get("/{table}/rows", s.handleScanRows)
		r.Get("/{table}/row", s.handleGetRow)
		r.Post("/{table}/{stmt}", s.handleStatement)
	})
	r.Post("/api/txn", s.handleTxnBlock)

	r.Route(cluster.TabletAPIPrefix+"/{tablet}", func(r chi.Router) {
		r.Post("/get", s.handleTabletGet)
		r.Post("/scan", s.handleTabletScan)
		r.Post("/check", s.handleTabletCheck)
		r.Post("/apply", s.handleTabletApply)
		r.Post("/prepare", s.handleTabletPrepare)
		r.Post("/commit", s.handleTabletCommit)
		r.Post("/abort", s.handleTabletAbort)
	})

	r.Get("/api/internal/txns", s.handleListTxns)
	r.Get("/api/internal/txns/{id}", s.handleGetTxn)

	// Raft endpoint только если есть node
	if s.deps.Raft != nil {
		r.Post(raftadapter.RaftEndpoint, s.handleRaft)
		r.Get(raftadapter.RaftEndpoint+"/status", s.handleRaftStatus)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	resp := NewErrorResponse(err.Error())
	resp.Code = code
	s.writeJSON(w, status, resp)
}

// decodeJSON decodes a request body keeping numbers as json.Number.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// observe records the outcome of a client request.
func (s *Server) observe(kind string, start time.Time, err error) {
	if s.deps.Metrics == nil {
		return
	}
	code := "ok"
	if err != nil {
		if _, code = errorStatus(err); code == "" {
			code = "internal"
		}
	}
	s.deps.Metrics.IncCounter("docgate_requests_total", map[string]string{"kind": kind, "result": code}, 1)
	s.deps.Metrics.ObserveHistogram("docgate_request_seconds", map[string]string{"kind": kind}, time.Since(start).Seconds())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.deps.Raft.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type raftStatus struct {
	Leader   uint64 `json:"leader"`
	IsLeader bool   `json:"is_leader"`
}

func (s *Server) handleRaftStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, raftStatus{
		Leader:   s.deps.Raft.LeaderID(),
		IsLeader: s.deps.Raft.IsLeader(),
	})
}
