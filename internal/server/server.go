// Package server exposes the HTTP control plane: health, session status,
// and the open/stop session operations that drive the capture pipeline.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vivek-mule/persona-meet/internal/browser"
	"github.com/vivek-mule/persona-meet/internal/capture"
	"github.com/vivek-mule/persona-meet/internal/session"
)

// CoordinatorAPI is the slice of the session coordinator the handlers use.
type CoordinatorAPI interface {
	OpenSession(ctx context.Context, sourceID, navigateTo string) (session.CaptureSession, error)
	StopCapture(ctx context.Context)
	NotifySessionEvent(ctx context.Context, kind session.EventKind)
	Session() session.CaptureSession
}

// WorkerAPI answers capture diagnostics for the status endpoint.
type WorkerAPI interface {
	Snapshot(ctx context.Context) (capture.Snapshot, bool)
}

// TabAPI is the slice of the browser bridge the handlers use.
type TabAPI interface {
	CreateTab(url string) (string, error)
}

// Joiner walks the meeting join flow and watches for the end of the call.
type Joiner interface {
	Join(ctx context.Context, tabID, botName string) error
	MonitorEnd(ctx context.Context, tabID string, every time.Duration, notify func(session.EventKind))
}

// Server wires the handlers to the pipeline.
type Server struct {
	coord  CoordinatorAPI
	worker WorkerAPI
	tabs   TabAPI
	joiner Joiner

	authToken     string
	botName       string
	endCheckEvery time.Duration

	// baseCtx outlives individual requests; the join flow and end monitor
	// keep running after the open-session response is written.
	baseCtx context.Context
}

func New(baseCtx context.Context, coord CoordinatorAPI, worker WorkerAPI, tabs TabAPI, joiner Joiner, authToken, botName string, endCheckEvery time.Duration) *Server {
	if endCheckEvery <= 0 {
		endCheckEvery = 3 * time.Second
	}
	return &Server{
		coord:         coord,
		worker:        worker,
		tabs:          tabs,
		joiner:        joiner,
		authToken:     authToken,
		botName:       botName,
		endCheckEvery: endCheckEvery,
		baseCtx:       baseCtx,
	}
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sessions", s.handleOpenSession)
	mux.HandleFunc("POST /sessions/stop", s.handleStopSession)
	return corsMiddleware(authMiddleware(s.authToken, mux))
}

// ── GET /health ────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, 200, map[string]any{"status": "ok"})
}

// ── GET /status ────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"session": s.coord.Session()}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if snap, ok := s.worker.Snapshot(ctx); ok {
		out["capture"] = snap
	}
	jsonResp(w, 200, out)
}

// ── POST /sessions ─────────────────────────────────────────

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		TabID string `json:"tabId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, err)
		return
	}
	if req.URL == "" {
		jsonResp(w, 400, map[string]string{"error": "url required"})
		return
	}
	meetURL, err := browser.NormalizeMeetURL(req.URL)
	if err != nil {
		jsonErr(w, 400, err)
		return
	}

	tabID := req.TabID
	if tabID == "" {
		tabID, err = s.tabs.CreateTab("")
		if err != nil {
			jsonErr(w, 500, err)
			return
		}
	}

	sess, err := s.coord.OpenSession(r.Context(), tabID, meetURL)
	if err != nil {
		jsonErr(w, 500, err)
		return
	}

	// The join flow runs past this response; it reports back through
	// session events, never through this request.
	go s.runJoinFlow(tabID)

	jsonResp(w, 200, map[string]any{
		"sessionId": sess.ID,
		"sourceId":  sess.SourceID,
		"status":    sess.Status,
		"url":       meetURL,
	})
}

func (s *Server) runJoinFlow(tabID string) {
	ctx := s.baseCtx
	if err := s.joiner.Join(ctx, tabID, s.botName); err != nil {
		slog.Warn("join flow failed", "tab", tabID, "err", err)
		s.coord.NotifySessionEvent(ctx, session.EventStopped)
		return
	}
	s.coord.NotifySessionEvent(ctx, session.EventJoined)
	s.joiner.MonitorEnd(ctx, tabID, s.endCheckEvery, func(kind session.EventKind) {
		s.coord.NotifySessionEvent(ctx, kind)
	})
}

// ── POST /sessions/stop ────────────────────────────────────

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.coord.StopCapture(r.Context())
	jsonResp(w, 200, map[string]any{"stopped": true})
}

// ── Helpers ────────────────────────────────────────────────

func jsonResp(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, err error) {
	jsonResp(w, code, map[string]string{"error": err.Error()})
}
