package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"wishbridge/internal/session"
)

type commandRequest struct {
	Command string `json:"command"`
}

type askResponse struct {
	Reply string `json:"reply"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return "", false
	}
	return req.Command, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Info())
}

func (s *Server) handleTell(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	if err := s.bridge.Tell(cmd); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()

	reply, err := s.bridge.AskContext(ctx, cmd)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, askResponse{Reply: reply})
}
