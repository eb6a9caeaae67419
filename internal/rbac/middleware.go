package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/platform/httpx"
	"github.com/gliderblog/gliderblog/internal/sessions"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// SessionValidator resolves a request's session cookie to the current account.
type SessionValidator interface {
	ReadCookie(r *http.Request) string
	Validate(ctx context.Context, cookieValue string) (*accounts.Account, *sessions.Session, error)
}

type accountContextKey struct{}

// AccountFromContext returns the account attached by Authenticate, if any.
func AccountFromContext(ctx context.Context) *accounts.Account {
	a, _ := ctx.Value(accountContextKey{}).(*accounts.Account)
	return a
}

// ContextWithAccount attaches the authenticated account and its principal.
func ContextWithAccount(ctx context.Context, account *accounts.Account, sess *sessions.Session) context.Context {
	ctx = context.WithValue(ctx, accountContextKey{}, account)
	return shared.ContextWithPrincipal(ctx, &shared.Principal{
		AccountID: account.ID,
		Username:  account.Username,
		SessionID: sess.ID,
		IsAdmin:   account.IsAdmin(),
	})
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Sessions SessionValidator
	Logger   *slog.Logger
}

// Authenticate validates the session cookie, when present, and attaches the freshly read
// account to the request. Requests without a valid session continue anonymously.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := m.Sessions.ReadCookie(r)
		if value == "" {
			next.ServeHTTP(w, r)
			return
		}
		account, sess, err := m.Sessions.Validate(r.Context(), value)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account, sess)))
		case errors.Is(err, shared.ErrUnauthenticated):
			next.ServeHTTP(w, r)
		default:
			m.log().Error("validate session", slog.Any("error", err))
			httpx.RespondError(w, err)
		}
	})
}

// RequireAuth rejects anonymous requests with 401.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AccountFromContext(r.Context()) == nil {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current account may perform at least one of actions.
func (m Middleware) RequireAny(actions ...Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := AccountFromContext(r.Context())
			err := Authorize(actor, ActionViewSelf)
			for _, action := range actions {
				if err = Authorize(actor, action); err == nil {
					break
				}
			}
			if err != nil {
				if errors.Is(err, shared.ErrForbidden) {
					m.log().Warn("rbac denied", slog.Int64("account_id", actor.ID), slog.Any("actions", actions))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
