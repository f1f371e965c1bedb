// Package api is the HTTP surface: task submission and polling for the chat
// and text-to-SQL pipelines, thread operations, recommendations and the
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/config"
	"github.com/adaql/ada/internal/metadata"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/pipeline/recommend"
	"github.com/adaql/ada/internal/tasks"
	"github.com/adaql/ada/internal/tenant"
)

type ReadinessCheck func(ctx context.Context) error

// TaskQueue is the dispatcher side of the task broker.
type TaskQueue interface {
	Submit(ctx context.Context, pipeline string, args any) (string, error)
	Status(ctx context.Context, id string) (tasks.Record, error)
}

type Recommender interface {
	Suggest(ctx context.Context, req recommend.SuggestionRequest, t tenant.Tenant) (recommend.Suggestions, error)
	Chart(ctx context.Context, req recommend.ChartRequest, t tenant.Tenant) (recommend.Charts, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Tenants           tenant.Resolver
	Tasks             TaskQueue
	Threads           metadata.ThreadStore
	Recommender       Recommender
	NewThreadID       func() string
}

type server struct {
	deps     Dependencies
	validate *validator.Validate
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	s := &server{deps: deps, validate: newValidator()}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /v1/ready", s.handleReady)
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/ada", s.handleSubmitChat)
	protected.HandleFunc("GET /v1/ada/{task_id}", s.handlePoll(chatPipeline))
	protected.HandleFunc("POST /v1/text2sql", s.handleSubmitText2SQL)
	protected.HandleFunc("GET /v1/text2sql/{task_id}", s.handlePoll(text2sqlPipeline))
	protected.HandleFunc("POST /v1/ada/threads/{task}", s.handleThreads)
	protected.HandleFunc("POST /v1/recommendation", s.handleSuggestions)
	protected.HandleFunc("POST /v1/chart-recommendation", s.handleChart)

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, apperr.Fatal("auth middleware is required by configuration", nil))
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("/v1/", protectedHandler)

	return chain(mux, observability.TraceMiddleware, observability.AccessMiddleware(deps.Logger))
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	timeout := s.deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.deps.Readiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"detail":   err.Error(),
			"trace_id": observability.TraceIDFromContext(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *server) resolveTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	if s.deps.Tenants == nil {
		return tenant.Tenant{}, apperr.Fatal("tenant registry is not configured", nil)
	}
	t, err := s.deps.Tenants.Resolve(ctx, id)
	if errors.Is(err, tenant.ErrNotFound) {
		return tenant.Tenant{}, apperr.NotFound(fmt.Sprintf("tenant %s", id))
	}
	return t, err
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("body", "invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.Validation(fe.Field(), fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
		return apperr.Validation("body", err.Error())
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]any{
		"detail":   apperr.Message(err),
		"trace_id": observability.TraceIDFromContext(ctx),
	})
}
