package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/pipeline"
	"github.com/adaql/ada/internal/pipeline/chat"
	"github.com/adaql/ada/internal/pipeline/text2sql"
	"github.com/adaql/ada/internal/tasks"
)

const (
	chatPipeline     = chat.Name
	text2sqlPipeline = text2sql.Name
)

type text2sqlRequest struct {
	UserQuery string `json:"user_query" validate:"required"`
	TenantID  string `json:"tenant_id" validate:"required"`
	SessionID string `json:"session_id"`
	Category  string `json:"category"`
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status tasks.State `json:"status"`
}

type pollResponse struct {
	TaskID string          `json:"task_id"`
	Status tasks.State     `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *server) handleSubmitChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := s.decode(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.submit(w, r, chatPipeline, req)
}

func (s *server) handleSubmitText2SQL(w http.ResponseWriter, r *http.Request) {
	var body text2sqlRequest
	if err := s.decode(r, &body); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.submit(w, r, text2sqlPipeline, pipeline.Request{
		TenantID:  body.TenantID,
		Query:     body.UserQuery,
		Category:  body.Category,
		SessionID: body.SessionID,
	})
}

func (s *server) submit(w http.ResponseWriter, r *http.Request, name string, req pipeline.Request) {
	if s.deps.Tasks == nil {
		writeError(r.Context(), w, apperr.Fatal("task broker is not configured", nil))
		return
	}
	if _, err := s.resolveTenant(r.Context(), req.TenantID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	id, err := s.deps.Tasks.Submit(r.Context(), name, req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, Status: tasks.StatePending})
}

// handlePoll serves the task record for ids submitted to the named pipeline.
// Ids belonging to another pipeline are reported as unknown.
func (s *server) handlePoll(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Tasks == nil {
			writeError(r.Context(), w, apperr.Fatal("task broker is not configured", nil))
			return
		}
		id := r.PathValue("task_id")
		rec, err := s.deps.Tasks.Status(r.Context(), id)
		if errors.Is(err, tasks.ErrNotFound) || (err == nil && rec.Pipeline != name) {
			writeError(r.Context(), w, apperr.NotFound(fmt.Sprintf("task %s", id)))
			return
		}
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		out := pollResponse{TaskID: rec.ID, Status: rec.State}
		switch rec.State {
		case tasks.StateSuccess:
			out.Result = rec.Result
		case tasks.StateFailure:
			out.Error = rec.Error
		}
		writeJSON(w, http.StatusOK, out)
	}
}
