package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/supportline/internal/core"
)

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := core.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", core.StatusOpen, core.StatusLocked, core.StatusClosed:
	default:
		writeError(w, http.StatusBadRequest, core.CodeValidation, "unknown status")
		return
	}
	limit := core.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid limit")
			return
		}
		limit = core.ClampListLimit(n)
	}
	convs, err := s.store.ListConversations(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []core.Conversation{}
	}
	writeJSON(w, http.StatusOK, core.ListReply{Conversations: convs})
}

// handleConversation serves GET /api/conversations/{id}: snapshot plus
// transcript, optionally after ?after_seq=.
func (s *Service) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid after_seq")
			return
		}
		after = n
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id, after)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	writeJSON(w, http.StatusOK, core.ConversationView{Conversation: conv, Messages: msgs, ReadOnly: true})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, core.CodeNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, core.CodeInternal, "internal error")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, core.ErrorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
