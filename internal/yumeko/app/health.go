package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Yumeko/common/version"
	"github.com/bdobrica/Yumeko/internal/yumeko/agent"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/replay"
)

// HealthServer exposes /health and /status.
// It is optional; Yumeko runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	store     archiveCounter
	gate      *dream.Mutex
	replayer  *replay.Engine
	host      *agent.Host
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// archiveCounter is the minimal interface the health server needs from Store.
type archiveCounter interface {
	TotalMessageCount(ctx context.Context) (int, error)
	DreamCount(ctx context.Context, roomID string) (int, error)
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`

	ActivityState string `json:"activity_state"`
	Messages      int    `json:"messages"`
	Dreams        int    `json:"dreams"`

	Replay replayStatus `json:"replay"`
	Intake intakeStatus `json:"intake"`
}

// replayStatus summarises the one-shot startup replay.
type replayStatus struct {
	Completed  bool   `json:"completed"`
	Groups     int    `json:"groups"`
	Admitted   int    `json:"admitted"`
	Skipped    int    `json:"skipped"`
	Failures   int    `json:"failures"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// intakeStatus summarises the message intake and planning counters.
type intakeStatus struct {
	LiveIngested      int `json:"live_ingested"`
	ReplayedIngested  int `json:"replayed_ingested"`
	Batches           int `json:"batches"`
	PlanningRequested int `json:"planning_requested"`
	PlanningSkipped   int `json:"planning_skipped"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, ac archiveCounter, gate *dream.Mutex, replayer *replay.Engine, host *agent.Host) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     ac,
		gate:      gate,
		replayer:  replayer,
		host:      host,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener (e.g. with httptest.NewRecorder).
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	// Shutdown when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus responds with runtime statistics.
func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	messages := 0
	dreams := 0
	if h.store != nil {
		if n, err := h.store.TotalMessageCount(ctx); err == nil {
			messages = n
		}
		if n, err := h.store.DreamCount(ctx, ""); err == nil {
			dreams = n
		}
	}

	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		Messages:   messages,
		Dreams:     dreams,
	}
	if h.gate != nil {
		resp.ActivityState = h.gate.State().String()
	}
	if h.replayer != nil {
		rs := h.replayer.Status()
		resp.Replay = replayStatus{
			Completed: rs.Completed,
			Groups:    rs.Groups,
			Admitted:  rs.Admitted,
			Skipped:   rs.Skipped,
			Failures:  rs.Failures,
		}
		if !rs.FinishedAt.IsZero() {
			resp.Replay.FinishedAt = rs.FinishedAt.UTC().Format(time.RFC3339)
		}
	}
	if h.host != nil {
		hs := h.host.Status()
		resp.Intake = intakeStatus{
			LiveIngested:      hs.LiveIngested,
			ReplayedIngested:  hs.ReplayedIngested,
			Batches:           hs.Batches,
			PlanningRequested: hs.PlanningRequested,
			PlanningSkipped:   hs.PlanningSkipped,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
