package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"roland/internal/journal"
	"roland/internal/model"
)

const defaultEventLimit = 50

// handleStatus reports the mode and the latest telemetry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tel := s.deps.Telemetry
	st := model.Status{
		Mode:              s.deps.Modes.Mode().String(),
		Track:             tel.Track(),
		OperatorConnected: s.Connected(),
		QueuedCommands:    s.deps.Commands.Len(),
	}
	if mean, ok := tel.Distance().Fresh(tel.Now(), s.deps.Freshness); ok {
		st.DistanceCm = &mean
	}
	if s.deps.LinkSession != nil {
		st.LinkSession = s.deps.LinkSession()
	}
	s.writeJSON(w, st)
}

// handleEvents lists journal entries, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Events == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.deps.Events.List(limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("list events")
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	s.writeJSON(w, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}
