/*
Package api implements the control-plane HTTP+JSON surface (§6): namespace
and block-metadata operations served over plain net/http, with every write
redirected to the current HA leader.
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/blockmesh/dfs/pkg/dfserr"
	"github.com/blockmesh/dfs/pkg/log"
	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/blockmesh/dfs/pkg/replication"
)

// HAController is the subset of pkg/ha.Controller the API needs to decide
// whether to serve a write locally or redirect it to the leader, and to
// push a successful write on to the follower afterward.
type HAController interface {
	IsLeader() bool
	LeaderAddr() string
	SyncMetadata(op string, data []byte) error
}

// Server is the metadata control plane's HTTP API.
type Server struct {
	mgr  *metadata.Manager
	repl *replication.Coordinator
	ha   HAController
	mux  *http.ServeMux
}

// NewServer wires a Server against its metadata manager, replication
// coordinator, and HA controller. ha may be nil for a single-node
// deployment with no failover configured, in which case every node
// serves writes locally.
func NewServer(mgr *metadata.Manager, repl *replication.Coordinator, ha HAController) *Server {
	s := &Server{mgr: mgr, repl: repl, ha: ha}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	mux.HandleFunc("/directories", s.withLeaderRedirect(s.handleDirectories))
	mux.HandleFunc("/directories/", s.withLeaderRedirect(s.handleDirectoryByPath))

	mux.HandleFunc("/files", s.withLeaderRedirect(s.handleFiles))
	mux.HandleFunc("/files/path/", s.handleFileByPath)
	mux.HandleFunc("/files/", s.withLeaderRedirect(s.handleFileByID))

	mux.HandleFunc("/blocks/degraded", s.handleDegradedBlocks)
	mux.HandleFunc("/blocks/file/", s.handleBlocksOfFile)
	mux.HandleFunc("/blocks/report", s.withLeaderRedirect(s.handleBlockReport))
	mux.HandleFunc("/blocks/", s.withLeaderRedirect(s.handleBlockByID))

	mux.HandleFunc("/datanodes/register", s.withLeaderRedirect(s.handleDataNodeRegister))
	mux.HandleFunc("/datanodes/", s.withLeaderRedirect(s.handleDataNodeByID))
	mux.HandleFunc("/datanodes", s.handleListDataNodes)

	s.mux = mux
	return s
}

// Start runs the HTTP server at addr until the process exits or ListenAndServe
// returns an error (e.g. the listener was closed).
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Logger.Info().Str("addr", addr).Msg("control plane listening")
	return server.ListenAndServe()
}

// Handler exposes the mux for embedding in tests or a combined listener.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Leader    bool      `json:"leader"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now()}
	if s.ha != nil {
		resp.Leader = s.ha.IsLeader()
	} else {
		resp.Leader = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// withLeaderRedirect wraps a write-capable handler so that a follower node
// returns 307 with a Location header pointing at the leader's control-plane
// address instead of mutating local (stale) state, per §4.6.
func (s *Server) withLeaderRedirect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ha == nil || s.ha.IsLeader() {
			next(w, r)
			return
		}
		leader := s.ha.LeaderAddr()
		if leader == "" {
			writeError(w, http.StatusServiceUnavailable, "no leader elected yet")
			return
		}
		w.Header().Set("Location", "http://"+leader+r.URL.Path)
		writeError(w, http.StatusTemporaryRedirect, "not the leader, redirect to "+leader)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Code: http.StatusText(status), Message: message})
}

// writeErrFromKind maps a dfserr-classified error onto a status code and
// writes the uniform error body.
func writeErrFromKind(w http.ResponseWriter, err error) {
	switch dfserr.Classify(err) {
	case dfserr.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case dfserr.KindAlreadyExists, dfserr.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case dfserr.KindInvariantViolation:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case dfserr.KindCapacityExceeded, dfserr.KindNoEligibleNodes:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case dfserr.KindTransient:
		writeError(w, http.StatusBadGateway, err.Error())
	case dfserr.KindIntegrity:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case dfserr.KindFatal:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
