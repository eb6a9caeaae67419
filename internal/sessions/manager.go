// Package sessions keeps authenticated sessions in Redis and carries their ids in signed cookies.
package sessions

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// DefaultCookieName matches the cookie issued by earlier deployments.
const DefaultCookieName = "user_session"

// Session is the server-side record behind a session cookie.
type Session struct {
	ID         string    `json:"id"`
	AccountID  int64     `json:"account_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// Meta describes the client opening a session.
type Meta struct {
	UserAgent  string
	RemoteAddr string
}

// AccountFinder re-reads the account behind a session.
type AccountFinder interface {
	FindByID(ctx context.Context, id int64) (*accounts.Account, error)
}

// Config controls cookie and lifetime behaviour.
type Config struct {
	CookieName string
	TTL        time.Duration
	Secret     string
	CSRFSecret string
	Secure     bool
	SameSite   http.SameSite
	// Single revokes the account's other sessions on each login.
	Single bool
}

// Manager issues, validates and revokes sessions.
type Manager struct {
	client   *redis.Client
	accounts AccountFinder
	cfg      Config
	secret   []byte
	csrf     []byte
	now      func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager.
func NewManager(client *redis.Client, finder AccountFinder, cfg Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("sessions: redis client required")
	}
	if finder == nil {
		return nil, errors.New("sessions: account finder required")
	}
	if cfg.Secret == "" || cfg.CSRFSecret == "" {
		return nil, errors.New("sessions: signing secrets required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("sessions: ttl must be positive")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteStrictMode
	}
	m := &Manager{
		client:   client,
		accounts: finder,
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		csrf:     []byte(cfg.CSRFSecret),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL exposes the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// CookieName returns the cookie identifier used for sessions.
func (m *Manager) CookieName() string {
	return m.cfg.CookieName
}

// Login opens a session for account and returns it with its signed cookie value in CookieValue.
func (m *Manager) Login(ctx context.Context, account *accounts.Account, meta Meta) (*Session, error) {
	if account == nil {
		return nil, shared.ErrUnauthenticated
	}
	if m.cfg.Single {
		if err := m.RevokeAccount(ctx, account.ID); err != nil {
			return nil, err
		}
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sess := &Session{
		ID:         id,
		AccountID:  account.ID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.cfg.TTL),
		UserAgent:  meta.UserAgent,
		RemoteAddr: meta.RemoteAddr,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	indexKey := accountKey(account.ID)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(id), payload, m.cfg.TTL)
		pipe.SAdd(ctx, indexKey, id)
		pipe.Expire(ctx, indexKey, m.cfg.TTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: store session: %w", shared.ErrStoreUnavailable, err)
	}
	return sess, nil
}

// Validate resolves a cookie value to its live session and the current account record.
// Any failure to do so is reported as shared.ErrUnauthenticated, except store outages.
func (m *Manager) Validate(ctx context.Context, cookieValue string) (*accounts.Account, *Session, error) {
	id, ok := m.parse(cookieValue)
	if !ok {
		return nil, nil, shared.ErrUnauthenticated
	}
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !m.now().Before(sess.ExpiresAt) {
		_ = m.remove(ctx, sess)
		return nil, nil, shared.ErrUnauthenticated
	}
	account, err := m.accounts.FindByID(ctx, sess.AccountID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = m.remove(ctx, sess)
			return nil, nil, shared.ErrUnauthenticated
		}
		return nil, nil, err
	}
	if !account.IsActive() {
		return nil, nil, shared.ErrUnauthenticated
	}
	if sess.IssuedAt.Before(account.PasswordChangedAt) {
		_ = m.remove(ctx, sess)
		return nil, nil, shared.ErrUnauthenticated
	}
	return account, sess, nil
}

// Logout deletes the session named by cookieValue. Unknown or malformed values are ignored.
func (m *Manager) Logout(ctx context.Context, cookieValue string) error {
	id, ok := m.parse(cookieValue)
	if !ok {
		return nil
	}
	sess, err := m.load(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrUnauthenticated) {
			return nil
		}
		return err
	}
	return m.remove(ctx, sess)
}

// revokeScript drops every session in the index at KEYS[1] and the index itself in one step,
// so a session added concurrently is either revoked or added after the index is gone.
var revokeScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// RevokeAccount deletes every session belonging to accountID.
func (m *Manager) RevokeAccount(ctx context.Context, accountID int64) error {
	err := revokeScript.Run(ctx, m.client, []string{accountKey(accountID)}, sessionKeyPrefix).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: revoke sessions: %w", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// CookieValue returns the signed value carried by the session cookie.
func (m *Manager) CookieValue(sess *Session) string {
	return sess.ID + "." + m.sign(sess.ID)
}

// ReadCookie extracts the raw session cookie value from r, or "" when absent.
func (m *Manager) ReadCookie(r *http.Request) string {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCookie writes the session cookie for sess.
func (m *Manager) SetCookie(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    m.CookieValue(sess),
		Path:     "/",
		MaxAge:   int(m.cfg.TTL / time.Second),
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	})
}

// ClearCookie instructs the client to drop the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	})
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	payload, err := m.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: load session: %w", shared.ErrStoreUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil || sess.ID != id {
		return nil, shared.ErrUnauthenticated
	}
	return &sess, nil
}

func (m *Manager) remove(ctx context.Context, sess *Session) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sess.ID))
		pipe.SRem(ctx, accountKey(sess.AccountID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete session: %w", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// parse splits and verifies a cookie value of the form <id>.<signature>.
func (m *Manager) parse(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" || sig == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(id))) {
		return "", false
	}
	return id, true
}

func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("sessions: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

const sessionKeyPrefix = "session:"

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func accountKey(accountID int64) string {
	return "account_sessions:" + strconv.FormatInt(accountID, 10)
}
