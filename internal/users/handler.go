package users

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gliderblog/gliderblog/internal/platform/httpx"
	"github.com/gliderblog/gliderblog/internal/rbac"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// CookieReader extracts the session cookie value from a request.
type CookieReader interface {
	ReadCookie(r *http.Request) string
}

// Handler manages user administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	cookies   CookieReader
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cookies CookieReader, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, cookies: cookies, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers user routes. Authentication and CSRF run upstream.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(rbac.ActionListUsers)).Get("/", h.listUsers)
	r.With(h.rbac.RequireAny(rbac.ActionManageRoles)).Post("/", h.setRole)
}

type setRoleRequest struct {
	AccountID int64  `json:"account_id" validate:"required,gt=0"`
	Role      string `json:"role" validate:"required,oneof=standard admin"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context(), h.cookies.ReadCookie(r))
	if err != nil {
		h.fail(w, "list users failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) setRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	var parseErr error
	err := httpx.Bind(w, r, &req, map[string]func(string){
		"account_id": func(v string) {
			req.AccountID, parseErr = strconv.ParseInt(v, 10, 64)
		},
		"role": func(v string) { req.Role = v },
	})
	if err != nil || parseErr != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed request body", shared.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: account_id and role (standard or admin) are required", shared.ErrValidation))
		return
	}
	updated, err := h.service.SetRole(r.Context(), h.cookies.ReadCookie(r), req.AccountID, req.Role)
	if err != nil {
		h.fail(w, "set role failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
