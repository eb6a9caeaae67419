package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gliderblog/gliderblog/internal/platform/httpx"
	"github.com/gliderblog/gliderblog/internal/rbac"
	"github.com/gliderblog/gliderblog/internal/sessions"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// EventObserver records the outcome of account lifecycle requests.
type EventObserver interface {
	ObserveAuth(event string, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveAuth(string, error) {}

// Handler wires HTTP endpoints for account flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *sessions.Manager
	events    EventObserver
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *sessions.Manager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		sessions:  sessions,
		events:    noopObserver{},
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithEvents attaches an observer for request outcomes.
func (h *Handler) WithEvents(o EventObserver) *Handler {
	if o != nil {
		h.events = o
	}
	return h
}

// MountRoutes registers the public account routes. limit, when non-nil, guards the
// credential and email-sending endpoints.
func (h *Handler) MountRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/register", h.handleRegister)
		r.Post("/register/resend", h.handleResend)
		r.Post("/login", h.handleLogin)
		r.Post("/forgot-password", h.handleForgotPassword)
		r.Post("/reset-password", h.handleResetPassword)
	})
	r.Get("/verify", h.handleVerify)
	r.Get("/reset-password", h.handleResetPasswordForm)
}

// MountSessionRoutes registers routes that act on the caller's own session. They expect
// rbac.Middleware.Authenticate to run first.
func (h *Handler) MountSessionRoutes(r chi.Router, mw rbac.Middleware) {
	r.Post("/logout", h.handleLogout)
	r.With(mw.RequireAuth).Get("/me", h.handleMe)
}

type registerRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=1024"`
	Email    string `json:"email" validate:"required,email,max=254"`
}

type resendRequest struct {
	Username string `json:"username" validate:"required,max=64"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type forgotRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password" validate:"required,max=1024"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type loginResponse struct {
	Account   AccountView `json:"account"`
	CSRFToken string      `json:"csrf_token"`
}

const checkEmail = "if the details are valid, check your email"

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.bind(w, r, &req, map[string]func(string){
		"username": func(v string) { req.Username = v },
		"password": func(v string) { req.Password = v },
		"email":    func(v string) { req.Email = v },
	}) {
		return
	}
	if _, err := h.service.Register(r.Context(), RegisterInput(req)); err != nil {
		h.fail(w, "register", err)
		return
	}
	h.events.ObserveAuth("register", nil)
	httpx.JSON(w, http.StatusAccepted, statusResponse{Status: "check your email"})
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !h.bind(w, r, &req, map[string]func(string){
		"username": func(v string) { req.Username = v },
	}) {
		return
	}
	if err := h.service.ResendVerification(r.Context(), req.Username); err != nil {
		h.fail(w, "resend", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, statusResponse{Status: checkEmail})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	h.events.ObserveAuth("verify", nil)
	httpx.JSON(w, http.StatusOK, struct {
		Status  string      `json:"status"`
		Account AccountView `json:"account"`
	}{Status: "account activated", Account: NewAccountView(account)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.bind(w, r, &req, map[string]func(string){
		"username": func(v string) { req.Username = v },
		"password": func(v string) { req.Password = v },
	}) {
		return
	}
	account, sess, err := h.service.Login(r.Context(), req.Username, req.Password, sessions.Meta{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	h.events.ObserveAuth("login", nil)
	h.sessions.SetCookie(w, sess)
	httpx.JSON(w, http.StatusOK, loginResponse{
		Account:   NewAccountView(account),
		CSRFToken: h.sessions.CSRFToken(sess.ID),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context(), h.sessions.ReadCookie(r))
	h.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, NewAccountView(rbac.AccountFromContext(r.Context())))
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if !h.bind(w, r, &req, map[string]func(string){
		"identifier": func(v string) { req.Identifier = v },
	}) {
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Identifier); err != nil {
		h.fail(w, "forgot_password", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, statusResponse{Status: checkEmail})
}

// handleResetPasswordForm answers the link in the reset email. It never consumes the
// token; the password change itself has to be POSTed.
func (h *Handler) handleResetPasswordForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, struct {
		Status       string `json:"status"`
		Instructions string `json:"instructions"`
	}{
		Status:       "reset link received",
		Instructions: "POST this URL with a JSON or form body containing \"password\" to choose a new password",
	})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.bind(w, r, &req, map[string]func(string){
		"token":    func(v string) { req.Token = v },
		"password": func(v string) { req.Password = v },
	}) {
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = req.Token
	}
	if err := h.service.CompletePasswordReset(r.Context(), token, req.Password); err != nil {
		h.fail(w, "reset_password", err)
		return
	}
	h.events.ObserveAuth("reset_password", nil)
	httpx.JSON(w, http.StatusOK, statusResponse{Status: "password updated"})
}

// bind decodes and validates the request, answering 400 itself on failure.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, target any, fields map[string]func(string)) bool {
	if err := httpx.Bind(w, r, target, fields); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed request body", shared.ErrValidation))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", shared.ErrValidation, describe(err)))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.events.ObserveAuth(op, err)
	if status := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be an email address")
		case "max":
			msgs = append(msgs, field+" is too long")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
