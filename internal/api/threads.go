package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/metadata"
)

type threadRequest struct {
	TenantID  string          `json:"tenant_id" validate:"required"`
	Category  string          `json:"category"`
	ThreadID  string          `json:"thread_id"`
	ThreadIDs []string        `json:"thread_ids"`
	Chat      json.RawMessage `json:"chat"`
}

// chatText accepts the transcript either as a JSON string or as any other
// JSON value, which is stored verbatim.
func (t threadRequest) chatText() string {
	raw := strings.TrimSpace(string(t.Chat))
	if raw == "" || raw == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(t.Chat, &text); err == nil {
		return text
	}
	return raw
}

func (s *server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threads == nil {
		writeError(r.Context(), w, apperr.Fatal("thread store is not configured", nil))
		return
	}
	var req threadRequest
	if err := s.decode(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := s.resolveTenant(r.Context(), req.TenantID); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	ctx := r.Context()
	store := s.deps.Threads
	switch task := r.PathValue("task"); task {
	case "save":
		chat := req.chatText()
		if chat == "" {
			writeError(ctx, w, apperr.Validation("chat", "chat is required"))
			return
		}
		id := req.ThreadID
		if id == "" {
			id = s.newThreadID()
		}
		thread, err := store.SaveThread(ctx, metadata.Thread{TenantID: req.TenantID, Category: req.Category, ThreadID: id, Chat: chat})
		if err != nil {
			writeError(ctx, w, threadError(id, err))
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case "list":
		ids, err := store.ListThreads(ctx, req.TenantID)
		if err != nil {
			writeError(ctx, w, threadError("", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"thread_ids": ids})
	case "get":
		ids := req.ThreadIDs
		if req.ThreadID != "" {
			ids = append([]string{req.ThreadID}, ids...)
		}
		if len(ids) == 0 {
			writeError(ctx, w, apperr.Validation("thread_id", "thread_id or thread_ids is required"))
			return
		}
		threads, err := store.GetThreads(ctx, req.TenantID, ids)
		if err != nil {
			writeError(ctx, w, threadError("", err))
			return
		}
		if threads == nil {
			threads = []metadata.Thread{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
	case "update":
		chat := req.chatText()
		if req.ThreadID == "" || chat == "" {
			writeError(ctx, w, apperr.Validation("thread_id", "thread_id and chat are required"))
			return
		}
		thread, err := store.UpdateThread(ctx, req.TenantID, req.ThreadID, chat)
		if err != nil {
			writeError(ctx, w, threadError(req.ThreadID, err))
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case "delete":
		if req.ThreadID == "" {
			writeError(ctx, w, apperr.Validation("thread_id", "thread_id is required"))
			return
		}
		if err := store.DeleteThread(ctx, req.TenantID, req.ThreadID); err != nil {
			writeError(ctx, w, threadError(req.ThreadID, err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": req.ThreadID})
	default:
		writeError(ctx, w, apperr.NotFound(fmt.Sprintf("thread operation %s", task)))
	}
}

func (s *server) newThreadID() string {
	if s.deps.NewThreadID != nil {
		return s.deps.NewThreadID()
	}
	return uuid.NewString()
}

func threadError(id string, err error) error {
	if errors.Is(err, metadata.ErrNotFound) {
		return apperr.NotFound(fmt.Sprintf("thread %s", id))
	}
	return apperr.FromCall("metadata", err)
}
