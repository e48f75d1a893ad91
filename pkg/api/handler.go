// Package api exposes the engine over REST.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/gateway"
	"github.com/corraldb/corral/pkg/models"
	"github.com/corraldb/corral/pkg/router"
)

// SandboxService is the lifecycle surface the REST layer needs.
type SandboxService interface {
	Provision(ctx context.Context, userID string) (*models.SandboxRecord, error)
	GetByUser(ctx context.Context, userID string) (*models.SandboxRecord, error)
	Renew(ctx context.Context, sandboxID string, extension time.Duration) (*models.SandboxRecord, error)
	Teardown(ctx context.Context, sandboxID string, immediate bool) error
	ActiveCount(ctx context.Context) (int, error)
}

// Handler serves the engine's REST endpoints.
type Handler struct {
	exec    router.Service
	manager SandboxService
	gateway gateway.Gateway
	logger  zerolog.Logger
}

// NewHandler creates the REST handler.
func NewHandler(exec router.Service, manager SandboxService, gw gateway.Gateway, logger zerolog.Logger) *Handler {
	return &Handler{
		exec:    exec,
		manager: manager,
		gateway: gw,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the engine endpoints on a fresh chi router. Auth, logging,
// recovery, and rate limiting are applied by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/execute", h.execute)
	r.Post("/sandbox", h.provisionSandbox)
	r.Get("/sandbox", h.getSandbox)
	r.Post("/sandbox/extend", h.extendSandbox)
	r.Post("/sandbox/teardown", h.teardownSandbox)
	r.Get("/history", h.history)
	r.Get("/health", h.Health)
	return r
}

type executeRequest struct {
	SQL                string `json:"sql"`
	TargetDatabase     string `json:"target_database,omitempty"`
	ConfirmDestructive bool   `json:"confirm_destructive,omitempty"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	MaxRows            int    `json:"max_rows,omitempty"`
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, errors.CodeInvalidStatement, "malformed request body"))
		return
	}

	result, err := h.exec.Execute(r.Context(), sess, models.ExecuteRequest{
		SQL:                req.SQL,
		TargetDatabase:     req.TargetDatabase,
		ConfirmDestructive: req.ConfirmDestructive,
		Timeout:            time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRows:            req.MaxRows,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// provisionResponse carries the one-time credential alongside the record; the
// secret is never returned again after provisioning.
type provisionResponse struct {
	Sandbox  *models.SandboxRecord `json:"sandbox"`
	Login    string                `json:"login,omitempty"`
	Password string                `json:"password,omitempty"`
}

func (h *Handler) provisionSandbox(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	existing, err := h.manager.GetByUser(r.Context(), sess.UserID)
	if err == nil {
		h.writeJSON(w, http.StatusOK, provisionResponse{Sandbox: existing})
		return
	}
	if !errors.IsNotFound(err) {
		h.writeError(w, err)
		return
	}

	record, err := h.manager.Provision(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, provisionResponse{
		Sandbox:  record,
		Login:    record.LoginName,
		Password: record.Secret,
	})
}

func (h *Handler) getSandbox(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	record, err := h.manager.GetByUser(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, provisionResponse{Sandbox: record})
}

type extendRequest struct {
	ExtensionSeconds int `json:"extension_seconds"`
}

func (h *Handler) extendSandbox(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, errors.CodeInvalidStatement, "malformed request body"))
		return
	}

	record, err := h.manager.GetByUser(r.Context(), sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	renewed, err := h.manager.Renew(r.Context(), record.ID, time.Duration(req.ExtensionSeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, provisionResponse{Sandbox: renewed})
}

type teardownRequest struct {
	// Immediate teardown drops the server-side objects now; otherwise the
	// sandbox is only marked Expiring and the sweep drops it later.
	Immediate bool `json:"immediate,omitempty"`
}

func (h *Handler) teardownSandbox(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	var req teardownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !stderrors.Is(err, io.EOF) {
		h.writeError(w, errors.Wrap(err, errors.CodeInvalidStatement, "malformed request body"))
		return
	}

	record, err := h.manager.GetByUser(r.Context(), sess.UserID)
	if errors.IsNotFound(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.manager.Teardown(r.Context(), record.ID, req.Immediate); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, errors.ErrSessionNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	records, err := h.exec.History(sess, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": records})
}

// Health reports engine health. It needs no session, so servers may also
// mount it outside the authenticated group.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatus{}

	if err := h.gateway.HealthCheck(r.Context()); err == nil {
		status.Connected = true
		if perms, err := h.gateway.Permissions(r.Context()); err == nil {
			status.Permissions = perms
		}
	}
	if count, err := h.manager.ActiveCount(r.Context()); err == nil {
		status.ActiveSandboxCount = count
	}

	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

type errorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	body := errorResponse{Code: code, Message: errors.GetMessage(err)}
	var engErr *errors.EngineError
	if stderrors.As(err, &engErr) {
		body.Details = engErr.Details
	}

	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, body)
}

func statusForCode(code string) int {
	switch code {
	case errors.CodeInvalidStatement:
		return http.StatusBadRequest
	case errors.CodeSessionExpired:
		return http.StatusUnauthorized
	case errors.CodeForbidden:
		return http.StatusForbidden
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeProvisionNameCollision:
		return http.StatusConflict
	case errors.CodeStatementError:
		return http.StatusUnprocessableEntity
	case errors.CodeTooManyConcurrent, errors.CodeProvisionQuotaExceeded, errors.CodeLimitExceeded:
		return http.StatusTooManyRequests
	case errors.CodeExecutionTimeout, errors.CodeConnectionTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeConnectionUnreachable, errors.CodeConnectionAuthFailed, errors.CodeConnectionPermissionDenied:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
