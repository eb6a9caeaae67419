package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/mail"
	"github.com/gliderblog/gliderblog/internal/rbac"
	"github.com/gliderblog/gliderblog/internal/sessions"
	"github.com/gliderblog/gliderblog/internal/shared"
	"github.com/gliderblog/gliderblog/internal/tokens"
)

// SessionManager is the session capability the lifecycle needs.
type SessionManager interface {
	Login(ctx context.Context, account *accounts.Account, meta sessions.Meta) (*sessions.Session, error)
	Validate(ctx context.Context, cookieValue string) (*accounts.Account, *sessions.Session, error)
	Logout(ctx context.Context, cookieValue string) error
	RevokeAccount(ctx context.Context, accountID int64) error
}

// Service drives the account lifecycle: registration, verification, login, password reset
// and role administration.
type Service struct {
	store    accounts.Store
	hasher   *accounts.Hasher
	tokens   *tokens.Issuer
	sessions SessionManager
	mail     mail.Dispatcher
	composer *mail.Composer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Deps collects the Service collaborators.
type Deps struct {
	Store    accounts.Store
	Hasher   *accounts.Hasher
	Tokens   *tokens.Issuer
	Sessions SessionManager
	Mail     mail.Dispatcher
	Composer *mail.Composer
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewService constructs a new Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil || deps.Hasher == nil || deps.Tokens == nil || deps.Sessions == nil || deps.Mail == nil || deps.Composer == nil {
		return nil, errors.New("auth: missing dependency")
	}
	if cfg.VerifyTokenTTL < 0 || cfg.ResetTokenTTL <= 0 {
		return nil, errors.New("auth: invalid token ttl")
	}
	s := &Service{
		store:    deps.Store,
		hasher:   deps.Hasher,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		mail:     deps.Mail,
		composer: deps.Composer,
		cfg:      cfg,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Register creates an inactive account carrying a verification token and queues the
// verification email. It does not wait for delivery.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*accounts.Account, error) {
	if err := accounts.ValidateUsername(in.Username); err != nil {
		return nil, err
	}
	if err := accounts.ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	email := accounts.NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is invalid", shared.ErrValidation)
	}

	// The unique constraint still decides races; this only fails fast.
	if _, err := s.store.FindByUsername(ctx, in.Username); err == nil {
		return nil, shared.ErrDuplicateUsername
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	token, pending, err := s.tokens.Mint(s.cfg.VerifyTokenTTL)
	if err != nil {
		return nil, err
	}
	account, err := s.store.Create(ctx, accounts.NewAccount{
		Username:     in.Username,
		PasswordHash: hash,
		Email:        email,
		Role:         accounts.RoleStandard,
		Verification: pending,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account registered", slog.Int64("account_id", account.ID), slog.String("username", account.Username))

	s.sendVerification(ctx, account, token)
	return account, nil
}

// ResendVerification issues a fresh verification token for a pending account and mails it.
// The outcome is never revealed and the call is padded like RequestPasswordReset.
func (s *Service) ResendVerification(ctx context.Context, username string) error {
	defer s.pad(ctx, time.Now())

	account, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.burnToken()
			return nil
		}
		return err
	}
	if account.IsActive() {
		s.burnToken()
		return nil
	}
	token, err := s.tokens.Issue(ctx, account.ID, tokens.PurposeVerify, s.cfg.VerifyTokenTTL)
	if err != nil {
		return err
	}
	s.sendVerification(ctx, account, token)
	return nil
}

// VerifyEmail activates the account owning token. Activation happens once; the token is
// cleared in the same unit.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*accounts.Account, error) {
	account, err := s.tokens.Consume(ctx, token, tokens.PurposeVerify, func(a *accounts.Account) error {
		a.State = accounts.StateActive
		return nil
	})
	if err != nil {
		if shared.IsTokenError(err) {
			s.logger.Info("verification rejected", slog.Any("reason", err))
		}
		return nil, err
	}
	s.logger.Info("account activated", slog.Int64("account_id", account.ID))
	return account, nil
}

// Login checks credentials and opens a session. Unknown users cost a bcrypt comparison
// like known ones.
func (s *Service) Login(ctx context.Context, username, password string, meta sessions.Meta) (*accounts.Account, *sessions.Session, error) {
	account, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.hasher.CompareDummy(password)
			return nil, nil, shared.ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if err := s.hasher.Compare(account.PasswordHash, password); err != nil {
		return nil, nil, err
	}
	if !account.IsActive() {
		return nil, nil, shared.ErrAccountNotActive
	}
	if s.hasher.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account, password)
	}
	sess, err := s.sessions.Login(ctx, account, meta)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("login", slog.Int64("account_id", account.ID))
	return account, sess, nil
}

// Logout ends the session named by cookieValue. It never fails from the caller's view.
func (s *Service) Logout(ctx context.Context, cookieValue string) {
	if cookieValue == "" {
		return
	}
	if err := s.sessions.Logout(ctx, cookieValue); err != nil {
		s.logger.Warn("logout", slog.Any("error", err))
	}
}

// RequestPasswordReset mails a reset link when identifier (username, or email when it
// contains '@') names an active account. Every outcome returns the same result after the
// same minimum time, and a token is generated either way.
func (s *Service) RequestPasswordReset(ctx context.Context, identifier string) error {
	defer s.pad(ctx, time.Now())

	identifier = strings.TrimSpace(identifier)
	var (
		account *accounts.Account
		err     error
	)
	switch {
	case identifier == "":
		err = shared.ErrNotFound
	case strings.Contains(identifier, "@"):
		account, err = s.store.FindByEmail(ctx, accounts.NormalizeEmail(identifier))
	default:
		account, err = s.store.FindByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.burnToken()
			return nil
		}
		return err
	}
	if !account.IsActive() || account.Email == "" {
		s.burnToken()
		return nil
	}

	token, err := s.tokens.Issue(ctx, account.ID, tokens.PurposeReset, s.cfg.ResetTokenTTL)
	if err != nil {
		return err
	}
	job, err := s.composer.PasswordReset(account.Email, account.Username, token, s.cfg.ResetTokenTTL.String())
	if err != nil {
		s.logger.Error("compose reset email", slog.Int64("account_id", account.ID), slog.Any("error", errors.Join(shared.ErrEmailDeliveryFailed, err)))
		return nil
	}
	s.mail.Enqueue(ctx, job)
	s.logger.Info("password reset requested", slog.Int64("account_id", account.ID))
	return nil
}

// CompletePasswordReset redeems a reset token and stores newPassword in the same unit,
// then ends every session of the account.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if err := accounts.ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	account, err := s.tokens.Consume(ctx, token, tokens.PurposeReset, func(a *accounts.Account) error {
		a.PasswordHash = hash
		a.PasswordChangedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		if shared.IsTokenError(err) {
			s.logger.Info("password reset rejected", slog.Any("reason", err))
		}
		return err
	}
	if err := s.sessions.RevokeAccount(ctx, account.ID); err != nil {
		s.logger.Error("revoke sessions after reset", slog.Int64("account_id", account.ID), slog.Any("error", err))
	}
	s.logger.Info("password reset completed", slog.Int64("account_id", account.ID))
	return nil
}

// AdminSetRole changes the role of targetID on behalf of the session in actorCookie.
// The actor's role is checked again inside the same unit as the write.
func (s *Service) AdminSetRole(ctx context.Context, actorCookie string, targetID int64, role accounts.Role) (*accounts.Account, error) {
	actor, _, err := s.sessions.Validate(ctx, actorCookie)
	if err != nil {
		return nil, err
	}
	if err := rbac.Authorize(actor, rbac.ActionManageRoles); err != nil {
		s.logger.Warn("role change denied", slog.Int64("actor_id", actor.ID), slog.Int64("target_id", targetID))
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role", shared.ErrValidation)
	}
	var updated *accounts.Account
	err = s.store.WithTx(ctx, func(ctx context.Context, q accounts.Queries) error {
		// The actor row is locked first so a concurrent demotion is either seen or waits.
		current, err := q.FindByID(ctx, actor.ID)
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrUnauthenticated
		}
		if err != nil {
			return err
		}
		if err := rbac.Authorize(current, rbac.ActionManageRoles); err != nil {
			s.logger.Warn("role change denied", slog.Int64("actor_id", actor.ID), slog.Int64("target_id", targetID))
			return err
		}
		target, err := q.FindByID(ctx, targetID)
		if err != nil {
			return err
		}
		target.Role = role
		if err := q.Update(ctx, target); err != nil {
			return err
		}
		updated = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("role changed",
		slog.Int64("actor_id", actor.ID),
		slog.Int64("target_id", targetID),
		slog.String("role", role.String()))
	return updated, nil
}

// ListAccounts returns every account for an authorised admin session.
func (s *Service) ListAccounts(ctx context.Context, actorCookie string) ([]accounts.Account, error) {
	actor, _, err := s.sessions.Validate(ctx, actorCookie)
	if err != nil {
		return nil, err
	}
	if err := rbac.Authorize(actor, rbac.ActionListUsers); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

func (s *Service) sendVerification(ctx context.Context, account *accounts.Account, token string) {
	job, err := s.composer.Verification(account.Email, account.Username, token)
	if err != nil {
		s.logger.Error("compose verification email", slog.Int64("account_id", account.ID), slog.Any("error", errors.Join(shared.ErrEmailDeliveryFailed, err)))
		return
	}
	s.mail.Enqueue(ctx, job)
}

func (s *Service) rehash(ctx context.Context, account *accounts.Account, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("rehash password", slog.Int64("account_id", account.ID), slog.Any("error", err))
		return
	}
	previous := account.PasswordHash
	err = s.store.WithTx(ctx, func(ctx context.Context, q accounts.Queries) error {
		current, err := q.FindByID(ctx, account.ID)
		if err != nil {
			return err
		}
		// A concurrent reset wins.
		if current.PasswordHash != previous {
			return nil
		}
		current.PasswordHash = hash
		return q.Update(ctx, current)
	})
	if err != nil {
		s.logger.Warn("rehash password", slog.Int64("account_id", account.ID), slog.Any("error", err))
		return
	}
	account.PasswordHash = hash
}

// burnToken spends the randomness of a token nobody will receive.
func (s *Service) burnToken() {
	_, _, _ = s.tokens.Mint(0)
}

// pad sleeps until floor has elapsed since start, or ctx ends.
func (s *Service) pad(ctx context.Context, start time.Time) {
	remaining := s.cfg.ResponseFloor - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
