package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jalon/internal/config"
	"jalon/internal/ledger"
	"jalon/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Ledger   ledger.Ledger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"concurrent stage transition conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Jalon API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Ledger.Repo))
	hcfg := huma.DefaultConfig("Jalon API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClients(group, cfg.Ledger)
	registerTransitions(group, cfg.Ledger)
	registerTimeline(group, cfg.Ledger)
	registerPipeline(group, cfg.Ledger)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve ledger.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, ledger.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var se *ledger.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", "storage error", map[string]any{"op": se.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Jalon API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
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

func registerClients(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Create client",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := ledger.ClientCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			Name:         input.Body.Name,
			Email:        stringOrEmpty(input.Body.Email),
			Phone:        stringOrEmpty(input.Body.Phone),
			City:         stringOrEmpty(input.Body.City),
			InitialStage: stringOrEmpty(input.Body.InitialStage),
			ActorID:      actorID,
		}
		c, err := l.CreateClient(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedClients `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := l.Repo.ListClients(ctx, limit+1, cursorCreated, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedClients{Items: []ClientResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapClients(items)
		return &struct {
			Body paginatedClients `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-client",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}",
		Summary:     "Get client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		c, err := l.Repo.GetClient(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-client",
		Method:      http.MethodPatch,
		Path:        "/clients/{client_id}",
		Summary:     "Update client",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string              `path:"client_id"`
		Body     UpdateClientRequest `json:"body"`
	}) (*struct {
		Body ClientResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		now := l.Now().UTC().Format(time.RFC3339)
		if err := l.Repo.UpdateClient(ctx, input.ClientID, input.Body.Name, input.Body.Email, input.Body.Phone, input.Body.City, now); err != nil {
			return nil, handleError(err)
		}
		c, err := l.Repo.GetClient(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClientResponse `json:"body"`
		}{Body: clientResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-client",
		Method:      http.MethodDelete,
		Path:        "/clients/{client_id}",
		Summary:     "Delete client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct{}, error) {
		if err := l.Repo.DeleteClient(ctx, input.ClientID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stage-transition",
		Method:        http.MethodPost,
		Path:          "/clients/{client_id}/stage-transitions",
		Summary:       "Move client to a new stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string            `path:"client_id"`
		Body     TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.NewStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_stage is required", nil)
		}
		changedBy := stringOrEmpty(input.Body.ChangedBy)
		if changedBy == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			changedBy = actorID
		}
		opts := ledger.TransitionOptions{
			ClientID:  input.ClientID,
			Stage:     input.Body.NewStage,
			ChangedBy: changedBy,
		}
		res, err := l.Transition(ctx, opts)
		if errors.Is(err, ledger.ErrConflict) {
			// One retry; the loser of a race sees a consistent ledger.
			res, err = l.Transition(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Interval:      intervalResponse(res.Interval),
			PreviousStage: res.PreviousStage,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stage-transitions",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/stage-transitions",
		Summary:     "Stage history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body []StageIntervalResponse `json:"body"`
	}, error) {
		items, err := l.History(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StageIntervalResponse `json:"body"`
		}{Body: mapIntervals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-stage",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/stage-transitions/current",
		Summary:     "Current stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body StageIntervalResponse `json:"body"`
	}, error) {
		iv, err := l.CurrentStage(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		if iv == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "client has no open stage", nil)
		}
		return &struct {
			Body StageIntervalResponse `json:"body"`
		}{Body: intervalResponse(*iv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-duration",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/stages/{stage_name}/duration",
		Summary:     "Time spent in a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID  string `path:"client_id"`
		StageName string `path:"stage_name"`
	}) (*struct {
		Body StageDurationResponse `json:"body"`
	}, error) {
		display, err := l.DisplayDuration(ctx, input.ClientID, input.StageName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageDurationResponse `json:"body"`
		}{Body: StageDurationResponse{
			ClientID:  input.ClientID,
			StageName: input.StageName,
			Display:   display,
		}}, nil
	})
}

func registerTimeline(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-timeline-entry",
		Method:        http.MethodPost,
		Path:          "/clients/{client_id}/timeline",
		Summary:       "Add timeline entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string                     `path:"client_id"`
		Body     CreateTimelineEntryRequest `json:"body"`
	}) (*struct {
		Body TimelineEntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := l.AddTimelineEntry(ctx, ledger.TimelineEntryOptions{
			ClientID:    input.ClientID,
			Type:        input.Body.Type,
			Description: stringOrEmpty(input.Body.Description),
			Actor:       actorID,
			Payload:     input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimelineEntryResponse `json:"body"`
		}{Body: timelineEntryResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-timeline",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}/timeline",
		Summary:     "Client timeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		if _, err := l.Repo.GetClient(ctx, input.ClientID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursor, err := parseIDCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := l.Repo.ListTimeline(ctx, input.ClientID, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTimeline{Items: []TimelineEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		resp.Items = mapTimeline(items)
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPipeline(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-summary",
		Method:      http.MethodGet,
		Path:        "/pipeline/summary",
		Summary:     "Clients per stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		counts, err := l.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(l.Config, counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-config",
		Method:      http.MethodGet,
		Path:        "/pipeline/config",
		Summary:     "Get pipeline config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PipelineConfigResponse `json:"body"`
	}, error) {
		cfg, err := l.Repo.GetPipelineConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-pipeline-config",
		Method:      http.MethodPut,
		Path:        "/pipeline/config",
		Summary:     "Replace pipeline config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdatePipelineConfigRequest `json:"body"`
	}) (*struct {
		Body PipelineConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg, err := l.Repo.GetPipelineConfig(ctx)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		if cfg == nil {
			cfg = config.Default("default")
		}
		if input.Body.ID != nil {
			cfg.Pipeline.ID = *input.Body.ID
		}
		if input.Body.Stages != nil {
			cfg.Pipeline.Stages = input.Body.Stages
		}
		if input.Body.InitialStage != nil {
			cfg.Pipeline.InitialStage = *input.Body.InitialStage
		}
		if input.Body.StrictStages != nil {
			cfg.Pipeline.StrictStages = *input.Body.StrictStages
		}
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := l.Repo.UpsertPipelineConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

// summaryResponse orders stages by the configured pipeline, unknown
// stage names sorted after.
func summaryResponse(cfg *config.Config, counts map[string]int) SummaryResponse {
	resp := SummaryResponse{Stages: []StageCount{}}
	seen := map[string]bool{}
	if cfg != nil {
		for _, stage := range cfg.Pipeline.Stages {
			seen[stage] = true
			resp.Stages = append(resp.Stages, StageCount{StageName: stage, Clients: counts[stage]})
		}
	}
	var extras []string
	for stage := range counts {
		if !seen[stage] {
			extras = append(extras, stage)
		}
	}
	sort.Strings(extras)
	for _, stage := range extras {
		resp.Stages = append(resp.Stages, StageCount{StageName: stage, Clients: counts[stage]})
	}
	return resp
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseIDCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
