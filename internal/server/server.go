// Package server exposes a read-only HTTP view of the vault: stage
// contents, stale tasks and the event index. All state changes still
// go through file moves; the API never mutates the pipeline.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vaultline/internal/repo"
	"vaultline/internal/task"
	"vaultline/internal/vault"
)

type Config struct {
	Vault      vault.Vault
	Repo       repo.Repo
	StaleAfter time.Duration
	BasePath   string
	Auth       AuthConfig
	Now        func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the vaultline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerTasks(group, cfg)
	registerStale(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case strings.Contains(strings.ToLower(err.Error()), "unknown stage"):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := cfg.Vault.Counts()
		if err != nil {
			return nil, handleError(err)
		}
		stageCounts := make(map[string]int, len(counts))
		for s, n := range counts {
			stageCounts[string(s)] = n
		}
		stale, err := cfg.Vault.StaleApproved(cfg.StaleAfter, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{
			"vault":  cfg.Vault.Root,
			"stages": stageCounts,
			"stale":  len(stale),
		}
		if cfg.Repo.DB != nil {
			outcomes, err := cfg.Repo.CountByOutcome(ctx, "executor")
			if err != nil {
				return nil, handleError(err)
			}
			body["executor_outcomes"] = outcomes
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

type taskResponse struct {
	Name     string `json:"name"`
	Stage    string `json:"stage"`
	Type     string `json:"type"`
	Source   string `json:"source,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status"`
	Sender   string `json:"sender,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Created  string `json:"created,omitempty"`
	Body     string `json:"body"`
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stage-tasks",
		Method:      http.MethodGet,
		Path:        "/stages/{stage}/tasks",
		Summary:     "List tasks in a stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		stage, err := vault.ParseStage(input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		names, err := cfg.Vault.List(stage)
		if err != nil {
			return nil, handleError(err)
		}
		if names == nil {
			names = []string{}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"stage": string(stage), "tasks": names}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/stages/{stage}/tasks/{name}",
		Summary:     "Read one task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
		Name  string `path:"name"`
	}) (*struct {
		Body taskResponse `json:"body"`
	}, error) {
		stage, err := vault.ParseStage(input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.ContainsAny(input.Name, "/\\") || strings.Contains(input.Name, "..") {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid task name", nil)
		}
		data, err := os.ReadFile(cfg.Vault.Path(stage, input.Name))
		if err != nil {
			return nil, handleError(err)
		}
		t, err := task.Parse(data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskResponse `json:"body"`
		}{Body: taskResponse{
			Name:     input.Name,
			Stage:    string(stage),
			Type:     string(t.Meta.Kind),
			Source:   t.Meta.Source,
			SourceID: t.Meta.SourceID,
			Platform: t.Meta.Platform,
			Priority: t.Meta.Priority,
			Status:   string(t.Meta.Status),
			Sender:   t.Meta.Sender,
			Subject:  t.Meta.Subject,
			Created:  t.Meta.Created,
			Body:     t.Body,
		}}, nil
	})
}

func registerStale(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stale-tasks",
		Method:      http.MethodGet,
		Path:        "/stale",
		Summary:     "List Approved tasks past the staleness window",
	}, func(ctx context.Context, input *struct {
		Minutes int `query:"minutes"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		window := cfg.StaleAfter
		if input.Minutes > 0 {
			window = time.Duration(input.Minutes) * time.Minute
		}
		stale, err := cfg.Vault.StaleApproved(window, cfg.now())
		if err != nil {
			return nil, handleError(err)
		}
		if stale == nil {
			stale = []vault.StaleTask{}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"window_minutes": int(window.Minutes()), "stale": stale}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent pipeline events",
	}, func(ctx context.Context, input *struct {
		Component string `query:"component"`
		Action    string `query:"action"`
		TaskID    string `query:"task_id"`
		Platform  string `query:"platform"`
		Outcome   string `query:"outcome"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if cfg.Repo.DB == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "no_index", "event index not available", nil)
		}
		items, err := cfg.Repo.LatestEvents(ctx, input.Limit, repo.EventFilters{
			Component: input.Component,
			Action:    input.Action,
			TaskID:    input.TaskID,
			Platform:  input.Platform,
			Outcome:   input.Outcome,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []repo.Event{}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"items": items}}, nil
	})
}
