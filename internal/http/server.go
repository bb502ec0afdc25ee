package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"naturaljoin/internal/logger"
	"naturaljoin/internal/types"
)

// Ledger is the read side of the coordinator the server reports on.
type Ledger interface {
	GetClusterState() *types.ClusterState
	GetJob(jobID string) (*types.JoinJob, error)
	GetJobTasks(jobID string) []*types.JobTask
	IsLeader() bool
	GetLeader() string
}

type ServerOpts struct {
	ID   string
	Port int
}

// Server exposes job ledger state, including dropped-value counters, as JSON.
type Server struct {
	opts   ServerOpts
	ledger Ledger
	srv    *nethttp.Server
	logger *logger.Logger
}

func NewServer(opts ServerOpts, ledger Ledger) *Server {
	s := &Server{
		opts:   opts,
		ledger: ledger,
		logger: logger.New("INFO"),
	}
	s.srv = &nethttp.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	return mux
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("Status server listening: node_id=%s addr=%s", s.opts.ID, ln.Addr())

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	NodeID   string `json:"node_id"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader"`
}

func (s *Server) handleHealth(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, healthResponse{
		NodeID:   s.opts.ID,
		IsLeader: s.ledger.IsLeader(),
		Leader:   s.ledger.GetLeader(),
	})
}

func (s *Server) handleState(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, s.ledger.GetClusterState())
}

// ExecutionInProcess reports that a job's tasks ran inside the coordinating
// process; task worker IDs name the slot each task was attributed to.
const ExecutionInProcess = "in-process"

type jobResponse struct {
	Job       *types.JoinJob   `json:"job"`
	Execution string           `json:"execution"`
	Tasks     []*types.JobTask `json:"tasks"`
}

func (s *Server) handleJob(w nethttp.ResponseWriter, r *nethttp.Request) {
	id := r.PathValue("id")
	job, err := s.ledger.GetJob(id)
	if err != nil {
		writeJSON(w, nethttp.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, nethttp.StatusOK, jobResponse{
		Job:       job,
		Execution: ExecutionInProcess,
		Tasks:     s.ledger.GetJobTasks(id),
	})
}

func writeJSON(w nethttp.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
