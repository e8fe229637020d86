package monitoring

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the read-only monitoring HTTP API under /api/v1 plus a
// Prometheus /metrics endpoint, reading exclusively from a Collector's
// cached Snapshot so it never contends with the Channel Manager's mutex.
type Server struct {
	collector *Collector
	logger    *zap.Logger
	http      *http.Server
}

// NewServer constructs a monitoring HTTP server bound to addr (host:port).
func NewServer(addr string, collector *Collector, logger *zap.Logger) *Server {
	s := &Server{collector: collector, logger: logger.Named("monitoring_http")}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/global", s.handleGlobal)
	mux.HandleFunc("/api/v1/server", s.handleServer)
	mux.HandleFunc("/api/v1/server/channels", s.handleServerChannels)
	mux.HandleFunc("/api/v1/clients", s.handleClients)
	mux.HandleFunc("/api/v1/clients/", s.handleClientByID)
	mux.HandleFunc("/api/v1/sv1/clients", s.handleClients)
	mux.HandleFunc("/api/v1/sv1/clients/", s.handleClientByID)
	mux.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start listens and serves until the server is shut down; errors from a
// normal Shutdown are swallowed, matching the teacher's http.Server.ListenAndServe
// pattern of logging and returning on unexpected failures only.
func (s *Server) Start() error {
	s.logger.Info("monitoring server started", zap.String("address", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":            snap.Role,
		"channels_open":   snap.ChannelsOpen,
		"clients":         len(snap.Clients),
		"chain_tip_known": snap.CurrentTipSet,
		"taken_at":        snap.TakenAt,
	})
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":          snap.Role,
		"channels_open": snap.ChannelsOpen,
		"taken_at":      snap.TakenAt,
	})
}

func (s *Server) handleServerChannels(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Current()
	offset, limit := paginationFromQuery(r)
	writeJSON(w, http.StatusOK, paginate(snap.Channels, offset, limit))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Current()
	offset, limit := paginationFromQuery(r)
	writeJSON(w, http.StatusOK, paginate(snap.Clients, offset, limit))
}

func (s *Server) handleClientByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/clients/")
	path = strings.TrimPrefix(path, "/api/v1/sv1/clients/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	idStr := parts[0]

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid client id", http.StatusBadRequest)
		return
	}

	snap := s.collector.Current()
	cl, ok := snap.ClientById(channel.DownstreamId(id))
	if !ok {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}

	if len(parts) > 1 && parts[1] == "channels" {
		writeJSON(w, http.StatusOK, cl.Channels)
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

func paginationFromQuery(r *http.Request) (int, int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return Paginate(offset, limit)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
