package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pianzhu/smartthings-mcp/internal/agent"
	"github.com/pianzhu/smartthings-mcp/internal/batch"
)

const maxRequestBodySize = 1 << 20 // 1MB

var validate = validator.New(validator.WithRequiredStructEnabled())

type TurnRequest struct {
	Text    string `json:"text" validate:"required,max=2000"`
	Confirm bool   `json:"confirm"`
}

type PlanRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type BatchRequest struct {
	Operations []batch.Operation `json:"operations" validate:"required,min=1,max=200"`
}

// AppDeps holds dependencies for the REST API.
type AppDeps struct {
	Sessions *agent.Manager
	Batch    *batch.Executor
	Journal  Journal // optional; /v1/journal answers 503 without it
	Token    string
}

// NewAppHandler returns the REST API. /health and /metrics are open; the
// /v1 routes require the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/conversations/{id}/turns", handleTurn(deps))
		r.Post("/v1/conversations/{id}/plan", handlePlan(deps))
		r.Get("/v1/conversations/{id}", handleGetConversation(deps))
		r.Delete("/v1/conversations/{id}", handleDeleteConversation(deps))
		r.Post("/v1/conversations/{id}/pending/confirm", handleConfirmPending(deps))
		r.Post("/v1/batch", handleBatch(deps))
		r.Get("/v1/journal", handleJournal(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// conversationID returns the {id} URL parameter or writes a 400.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,max=128,printascii"); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid conversation id %q", id)
		return "", false
	}
	return id, true
}

// decodeBody reads a JSON body into v and validates it, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "min":
			parts = append(parts, fmt.Sprintf("%s must have at least %s entries", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds the limit of %s", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func handleTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		var req TurnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res := deps.Sessions.Session(id).Turn(r.Context(), req.Text, req.Confirm)
		writeJSON(w, res)
	}
}

func handlePlan(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		var req PlanRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeJSON(w, deps.Sessions.Session(id).Plan(req.Text))
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		sess, ok := deps.Sessions.Lookup(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
			return
		}
		writeJSON(w, map[string]any{
			"conversation_id": id,
			"context":         sess.Memory().Summary(),
			"pending_actions": sess.Memory().PendingActions(),
			"last_active":     sess.LastActive().UTC(),
		})
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		if !deps.Sessions.Delete(id) {
			httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleConfirmPending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		sess, ok := deps.Sessions.Lookup(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
			return
		}
		results := sess.ConfirmPending(r.Context())
		if results == nil {
			results = []agent.StepResult{}
		}
		writeJSON(w, map[string]any{"results": results})
	}
}

func handleBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rep := deps.Batch.Execute(r.Context(), req.Operations)
		journalBatch(deps.Journal, req.Operations, rep, "http")
		writeJSON(w, rep)
	}
}

func handleJournal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Journal == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "journal is not available")
			return
		}
		limit := parseIntParam(r, "limit", recentJournalSize, 500)
		entries, err := deps.Journal.RecentCommands(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing journal: %v", err)
			return
		}
		if entries == nil {
			writeJSON(w, []struct{}{})
			return
		}
		writeJSON(w, entries)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
