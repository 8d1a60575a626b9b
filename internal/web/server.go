// Package web exposes the operational HTTP surface: health, engine status,
// sync history and the manual override control.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/actuator"
	"github.com/dokzlo13/roomsyncd/internal/ledger"
	"github.com/dokzlo13/roomsyncd/internal/metrics"
	"github.com/dokzlo13/roomsyncd/internal/publisher"
)

// Server is the HTTP server for status and control endpoints.
type Server struct {
	addr       string
	actuator   *actuator.Engine
	publisher  *publisher.Engine
	ledger     *ledger.Ledger
	httpServer *http.Server
}

// NewServer creates a new status server. Either engine may be nil when the
// process runs a single role.
func NewServer(host string, port int, act *actuator.Engine, pub *publisher.Engine, led *ledger.Ledger) *Server {
	return &Server{
		addr:      fmt.Sprintf("%s:%d", host, port),
		actuator:  act,
		publisher: pub,
		ledger:    led,
	}
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/override", s.handleOverride)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	log.Info().Str("addr", s.addr).Msg("Starting status server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports both engines' current view: connection state, room
// identity, versions, override. This replaces the per-second serial status
// dump of the original panel link.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]any)
	if s.actuator != nil {
		status["actuator"] = s.actuator.Status()
	}
	if s.publisher != nil {
		status["publisher"] = s.publisher.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.ledger.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("History query failed")
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}

	type historyEntry struct {
		EventType  string    `json:"event_type"`
		Timestamp  time.Time `json:"timestamp"`
		Role       string    `json:"role,omitempty"`
		RoomID     string    `json:"room_id,omitempty"`
		Mode       string    `json:"mode,omitempty"`
		Brightness uint8     `json:"brightness"`
		Ver        uint32    `json:"ver"`
		Detail     string    `json:"detail,omitempty"`
	}
	out := make([]historyEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyEntry{
			EventType:  entry.EventType,
			Timestamp:  entry.Timestamp,
			Role:       entry.Role,
			RoomID:     entry.RoomID,
			Mode:       entry.Mode,
			Brightness: entry.Brightness,
			Ver:        entry.Ver,
			Detail:     entry.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleOverride is the manual control input, standing in for the panel's
// physical switch and knob.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		http.Error(w, "override not enabled", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Active     bool  `json:"active"`
		Brightness uint8 `json:"brightness"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	s.publisher.SetOverride(publisher.Override{Active: body.Active, Brightness: body.Brightness})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}
