package remoteserver

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prabhask5/goal-planner/internal/realtime"
	"github.com/prabhask5/goal-planner/internal/remoteclient"
)

// Handler returns an http.Handler exposing the push/pull/realtime contract
// described in §6, for use by `syncctl serve` and by integration tests
// that want to exercise the real HTTP transport.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync/push", s.handlePush)
	mux.HandleFunc("/v1/sync/pull", s.handlePull)
	mux.HandleFunc("/v1/sync/realtime", s.handleRealtime)
	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	var req remoteclient.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	resp, err := s.Push(r.Context(), userID, req)
	if err != nil {
		log.Error().Err(err).Msg("push failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	resp, err := s.Pull(r.Context(), userID, cursor, limit)
	if err != nil {
		log.Error().Err(err).Msg("pull failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	ch, err := s.Subscribe(r.Context(), userID, func(ev realtime.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		bw.Write(b)
		bw.WriteByte('\n')
		bw.Flush()
		flusher.Flush()
	})
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer ch.Close()

	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
