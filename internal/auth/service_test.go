package auth_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/auth"
	"github.com/gliderblog/gliderblog/internal/mail"
	"github.com/gliderblog/gliderblog/internal/sessions"
	"github.com/gliderblog/gliderblog/internal/shared"
	"github.com/gliderblog/gliderblog/internal/tokens"
	_ "github.com/gliderblog/gliderblog/testing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// outbox is a synchronous mail.Dispatcher that records what would be sent.
type outbox struct {
	mu   sync.Mutex
	jobs []mail.Job
}

func (o *outbox) Enqueue(_ context.Context, job mail.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, job)
}

func (o *outbox) last(kind mail.Kind) (mail.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.jobs) - 1; i >= 0; i-- {
		if o.jobs[i].Kind == kind {
			return o.jobs[i], true
		}
	}
	return mail.Job{}, false
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

func tokenFromBody(body string) string {
	for _, line := range strings.Split(body, "\n") {
		u, err := url.Parse(strings.TrimSpace(line))
		if err != nil || u.Scheme == "" {
			continue
		}
		if token := u.Query().Get("token"); token != "" {
			return token
		}
	}
	return ""
}

type env struct {
	store    *accounts.MemoryStore
	hasher   *accounts.Hasher
	sessions *sessions.Manager
	outbox   *outbox
	clock    *clock
	service  *auth.Service
	redis    *miniredis.Miniredis
}

func newEnv(t *testing.T, cfg auth.Config, wrap ...func(*accounts.MemoryStore) accounts.Store) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{now: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)}
	store := accounts.NewMemoryStore()
	hasher, err := accounts.NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	manager, err := sessions.NewManager(client, store, sessions.Config{
		TTL:        time.Hour,
		Secret:     "session-secret",
		CSRFSecret: "csrf-secret",
	}, sessions.WithClock(c.Now))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	composer, err := mail.NewComposer("http://localhost:8080")
	if err != nil {
		t.Fatalf("composer: %v", err)
	}
	box := &outbox{}
	var serviceStore accounts.Store = store
	for _, w := range wrap {
		serviceStore = w(store)
	}
	service, err := auth.NewService(auth.Deps{
		Store:    serviceStore,
		Hasher:   hasher,
		Tokens:   tokens.NewIssuer(store, tokens.WithClock(c.Now)),
		Sessions: manager,
		Mail:     box,
		Composer: composer,
		Now:      c.Now,
	}, cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &env{store: store, hasher: hasher, sessions: manager, outbox: box, clock: c, service: service, redis: mr}
}

func testConfig() auth.Config {
	cfg := auth.DefaultConfig()
	cfg.ResponseFloor = 0
	return cfg
}

type ServiceSuite struct {
	suite.Suite
	env *env
	ctx context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.env = newEnv(s.T(), testConfig())
	s.ctx = context.Background()
}

// registerActive registers and verifies an account through the public flow.
func (s *ServiceSuite) registerActive(username, password, email string) *accounts.Account {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: username, Password: password, Email: email})
	s.Require().NoError(err)
	job, ok := s.env.outbox.last(mail.KindVerify)
	s.Require().True(ok)
	account, err := s.env.service.VerifyEmail(s.ctx, tokenFromBody(job.Body))
	s.Require().NoError(err)
	return account
}

func (s *ServiceSuite) seedAdmin(username, password string) *accounts.Account {
	hash, err := s.env.hasher.Hash(password)
	s.Require().NoError(err)
	admin, err := s.env.store.Create(s.ctx, accounts.NewAccount{
		Username: username, PasswordHash: hash, Role: accounts.RoleAdmin, Active: true,
	})
	s.Require().NoError(err)
	return admin
}

func (s *ServiceSuite) login(username, password string) string {
	_, sess, err := s.env.service.Login(s.ctx, username, password, sessions.Meta{})
	s.Require().NoError(err)
	return s.env.sessions.CookieValue(sess)
}

func (s *ServiceSuite) TestRegistrationScenario() {
	account, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
	s.Require().NoError(err)
	s.False(account.IsActive())
	s.True(account.HasPendingVerification())
	s.Equal(accounts.RoleStandard, account.Role)

	job, ok := s.env.outbox.last(mail.KindVerify)
	s.Require().True(ok)
	s.Equal("a@x.com", job.To)
	token := tokenFromBody(job.Body)
	s.Require().NotEmpty(token)

	wrong, err := tokens.Generate()
	s.Require().NoError(err)
	_, err = s.env.service.VerifyEmail(s.ctx, wrong)
	s.ErrorIs(err, shared.ErrInvalidToken)
	stored, err := s.env.store.FindByUsername(s.ctx, "alice")
	s.Require().NoError(err)
	s.False(stored.IsActive())

	activated, err := s.env.service.VerifyEmail(s.ctx, token)
	s.Require().NoError(err)
	s.True(activated.IsActive())
	s.False(activated.HasPendingVerification())

	_, sess, err := s.env.service.Login(s.ctx, "alice", "pw123", sessions.Meta{})
	s.Require().NoError(err)
	s.NotEmpty(s.env.sessions.CookieValue(sess))

	_, _, err = s.env.service.Login(s.ctx, "alice", "wrong", sessions.Meta{})
	s.ErrorIs(err, shared.ErrInvalidCredentials)
}

func (s *ServiceSuite) TestVerifyTokenIsSingleUse() {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
	s.Require().NoError(err)
	job, _ := s.env.outbox.last(mail.KindVerify)
	token := tokenFromBody(job.Body)

	_, err = s.env.service.VerifyEmail(s.ctx, token)
	s.Require().NoError(err)
	_, err = s.env.service.VerifyEmail(s.ctx, token)
	s.ErrorIs(err, shared.ErrInvalidToken)
}

func (s *ServiceSuite) TestRegisterRejectsDuplicate() {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
	s.Require().NoError(err)
	_, err = s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "other", Email: "b@x.com"})
	s.ErrorIs(err, shared.ErrDuplicateUsername)
	s.Equal(1, s.env.outbox.count())
}

func (s *ServiceSuite) TestConcurrentRegisterYieldsOneAccount() {
	const attempts = 2
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.env.service.Register(context.Background(), auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
		}(i)
	}
	close(start)
	wg.Wait()

	successes, dupes := 0, 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		s.ErrorIs(err, shared.ErrDuplicateUsername)
		dupes++
	}
	s.Equal(1, successes)
	s.Equal(1, dupes)
	list, err := s.env.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *ServiceSuite) TestRegisterValidatesInput() {
	cases := []auth.RegisterInput{
		{Username: "", Password: "pw", Email: "a@x.com"},
		{Username: "has space", Password: "pw", Email: "a@x.com"},
		{Username: "alice", Password: "", Email: "a@x.com"},
		{Username: "alice", Password: "pw", Email: "not-an-email"},
	}
	for _, in := range cases {
		_, err := s.env.service.Register(s.ctx, in)
		s.ErrorIs(err, shared.ErrValidation, in)
	}
	s.Equal(0, s.env.outbox.count())
}

func (s *ServiceSuite) TestRegisterFoldsEmail() {
	account, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "  Alice@X.COM "})
	s.Require().NoError(err)
	s.Equal("alice@x.com", account.Email)
}

func (s *ServiceSuite) TestLoginInactiveAccountIsDistinguished() {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
	s.Require().NoError(err)

	_, _, err = s.env.service.Login(s.ctx, "alice", "pw123", sessions.Meta{})
	s.ErrorIs(err, shared.ErrAccountNotActive)
	s.NotErrorIs(err, shared.ErrInvalidCredentials)

	_, _, err = s.env.service.Login(s.ctx, "alice", "wrong", sessions.Meta{})
	s.ErrorIs(err, shared.ErrInvalidCredentials)
}

func (s *ServiceSuite) TestLoginUnknownUser() {
	_, _, err := s.env.service.Login(s.ctx, "nobody", "pw", sessions.Meta{})
	s.ErrorIs(err, shared.ErrInvalidCredentials)
}

func (s *ServiceSuite) TestLoginUpgradesHashCost() {
	s.registerActive("alice", "pw123", "a@x.com")

	stronger, err := accounts.NewHasher(bcrypt.MinCost + 1)
	s.Require().NoError(err)
	box := &outbox{}
	composer, err := mail.NewComposer("http://localhost:8080")
	s.Require().NoError(err)
	service, err := auth.NewService(auth.Deps{
		Store:    s.env.store,
		Hasher:   stronger,
		Tokens:   tokens.NewIssuer(s.env.store),
		Sessions: s.env.sessions,
		Mail:     box,
		Composer: composer,
	}, testConfig())
	s.Require().NoError(err)

	_, _, err = service.Login(s.ctx, "alice", "pw123", sessions.Meta{})
	s.Require().NoError(err)
	stored, err := s.env.store.FindByUsername(s.ctx, "alice")
	s.Require().NoError(err)
	cost, err := bcrypt.Cost([]byte(stored.PasswordHash))
	s.Require().NoError(err)
	s.Equal(bcrypt.MinCost+1, cost)

	_, _, err = service.Login(s.ctx, "alice", "pw123", sessions.Meta{})
	s.NoError(err)
}

func (s *ServiceSuite) TestLogoutAlwaysSucceeds() {
	s.registerActive("alice", "pw123", "a@x.com")
	cookie := s.login("alice", "pw123")

	s.env.service.Logout(s.ctx, cookie)
	s.env.service.Logout(s.ctx, cookie)
	s.env.service.Logout(s.ctx, "")
	s.env.service.Logout(s.ctx, "junk")

	_, _, err := s.env.sessions.Validate(s.ctx, cookie)
	s.ErrorIs(err, shared.ErrUnauthenticated)
}

func (s *ServiceSuite) TestPasswordResetScenario() {
	s.registerActive("alice", "pw123", "a@x.com")
	oldSession := s.login("alice", "pw123")

	s.Require().NoError(s.env.service.RequestPasswordReset(s.ctx, "alice"))
	job, ok := s.env.outbox.last(mail.KindReset)
	s.Require().True(ok)
	s.Equal("a@x.com", job.To)
	token := tokenFromBody(job.Body)

	s.Require().NoError(s.env.service.CompletePasswordReset(s.ctx, token, "newpw"))

	_, _, err := s.env.service.Login(s.ctx, "alice", "newpw", sessions.Meta{})
	s.NoError(err)
	_, _, err = s.env.service.Login(s.ctx, "alice", "pw123", sessions.Meta{})
	s.ErrorIs(err, shared.ErrInvalidCredentials)

	_, _, err = s.env.sessions.Validate(s.ctx, oldSession)
	s.ErrorIs(err, shared.ErrUnauthenticated, "sessions opened before the reset are revoked")

	s.ErrorIs(s.env.service.CompletePasswordReset(s.ctx, token, "again"), shared.ErrInvalidToken)

	stored, err := s.env.store.FindByUsername(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(s.env.clock.Now(), stored.PasswordChangedAt)
}

func (s *ServiceSuite) TestPasswordResetByEmail() {
	s.registerActive("alice", "pw123", "a@x.com")
	s.Require().NoError(s.env.service.RequestPasswordReset(s.ctx, "A@X.com"))
	_, ok := s.env.outbox.last(mail.KindReset)
	s.True(ok)
}

func (s *ServiceSuite) TestResetTokenExpiryBoundary() {
	s.registerActive("alice", "pw123", "a@x.com")
	ttl := auth.DefaultConfig().ResetTokenTTL

	s.Require().NoError(s.env.service.RequestPasswordReset(s.ctx, "alice"))
	job, _ := s.env.outbox.last(mail.KindReset)
	s.env.clock.Advance(ttl - time.Second)
	s.NoError(s.env.service.CompletePasswordReset(s.ctx, tokenFromBody(job.Body), "early"))

	s.Require().NoError(s.env.service.RequestPasswordReset(s.ctx, "alice"))
	job, _ = s.env.outbox.last(mail.KindReset)
	s.env.clock.Advance(ttl + time.Second)
	err := s.env.service.CompletePasswordReset(s.ctx, tokenFromBody(job.Body), "late")
	s.ErrorIs(err, shared.ErrExpiredToken)

	_, _, err = s.env.service.Login(s.ctx, "alice", "early", sessions.Meta{})
	s.NoError(err)
}

func (s *ServiceSuite) TestResetRequestForUnknownOrInactiveSendsNothing() {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "pending", Password: "pw123", Email: "p@x.com"})
	s.Require().NoError(err)
	before := s.env.outbox.count()

	s.NoError(s.env.service.RequestPasswordReset(s.ctx, "nobody"))
	s.NoError(s.env.service.RequestPasswordReset(s.ctx, "nobody@x.com"))
	s.NoError(s.env.service.RequestPasswordReset(s.ctx, "pending"))
	s.NoError(s.env.service.RequestPasswordReset(s.ctx, ""))
	s.Equal(before, s.env.outbox.count())
}

func (s *ServiceSuite) TestCompletePasswordResetValidatesBeforeConsuming() {
	s.registerActive("alice", "pw123", "a@x.com")
	s.Require().NoError(s.env.service.RequestPasswordReset(s.ctx, "alice"))
	job, _ := s.env.outbox.last(mail.KindReset)
	token := tokenFromBody(job.Body)

	s.ErrorIs(s.env.service.CompletePasswordReset(s.ctx, token, ""), shared.ErrValidation)
	s.NoError(s.env.service.CompletePasswordReset(s.ctx, token, "newpw"))
}

func (s *ServiceSuite) TestResendVerification() {
	_, err := s.env.service.Register(s.ctx, auth.RegisterInput{Username: "alice", Password: "pw123", Email: "a@x.com"})
	s.Require().NoError(err)
	first, _ := s.env.outbox.last(mail.KindVerify)

	s.Require().NoError(s.env.service.ResendVerification(s.ctx, "alice"))
	second, _ := s.env.outbox.last(mail.KindVerify)
	s.NotEqual(tokenFromBody(first.Body), tokenFromBody(second.Body))

	_, err = s.env.service.VerifyEmail(s.ctx, tokenFromBody(first.Body))
	s.ErrorIs(err, shared.ErrInvalidToken)
	_, err = s.env.service.VerifyEmail(s.ctx, tokenFromBody(second.Body))
	s.NoError(err)

	count := s.env.outbox.count()
	s.NoError(s.env.service.ResendVerification(s.ctx, "alice"))
	s.NoError(s.env.service.ResendVerification(s.ctx, "nobody"))
	s.Equal(count, s.env.outbox.count())
}

func (s *ServiceSuite) TestAdminSetRoleRequiresAdmin() {
	s.seedAdmin("root", "rootpw")
	bob := s.registerActive("bob", "pw123", "b@x.com")
	carol := s.registerActive("carol", "pw123", "c@x.com")

	bobCookie := s.login("bob", "pw123")
	_, err := s.env.service.AdminSetRole(s.ctx, bobCookie, carol.ID, accounts.RoleAdmin)
	s.ErrorIs(err, shared.ErrForbidden)

	rootCookie := s.login("root", "rootpw")
	updated, err := s.env.service.AdminSetRole(s.ctx, rootCookie, bob.ID, accounts.RoleAdmin)
	s.Require().NoError(err)
	s.True(updated.IsAdmin())

	_, err = s.env.service.AdminSetRole(s.ctx, rootCookie, 999, accounts.RoleAdmin)
	s.ErrorIs(err, shared.ErrNotFound)
	_, err = s.env.service.AdminSetRole(s.ctx, rootCookie, bob.ID, accounts.Role(42))
	s.ErrorIs(err, shared.ErrValidation)
	_, err = s.env.service.AdminSetRole(s.ctx, "", bob.ID, accounts.RoleAdmin)
	s.ErrorIs(err, shared.ErrUnauthenticated)
}

func (s *ServiceSuite) TestRevokedAdminLosesAccessImmediately() {
	s.seedAdmin("root", "rootpw")
	bob := s.registerActive("bob", "pw123", "b@x.com")
	rootCookie := s.login("root", "rootpw")

	_, err := s.env.service.AdminSetRole(s.ctx, rootCookie, bob.ID, accounts.RoleAdmin)
	s.Require().NoError(err)
	bobCookie := s.login("bob", "pw123")
	_, err = s.env.service.ListAccounts(s.ctx, bobCookie)
	s.Require().NoError(err)

	_, err = s.env.service.AdminSetRole(s.ctx, rootCookie, bob.ID, accounts.RoleStandard)
	s.Require().NoError(err)

	_, err = s.env.service.ListAccounts(s.ctx, bobCookie)
	s.ErrorIs(err, shared.ErrForbidden)
	_, err = s.env.service.AdminSetRole(s.ctx, bobCookie, bob.ID, accounts.RoleAdmin)
	s.ErrorIs(err, shared.ErrForbidden)
}

// demotingStore strips the admin role from demote as a unit of work begins,
// standing in for a concurrent demotion that commits after the session check.
type demotingStore struct {
	*accounts.MemoryStore
	demote int64
}

func (d *demotingStore) WithTx(ctx context.Context, fn func(ctx context.Context, q accounts.Queries) error) error {
	if d.demote != 0 {
		actor, err := d.MemoryStore.FindByID(ctx, d.demote)
		if err != nil {
			return err
		}
		actor.Role = accounts.RoleStandard
		if err := d.MemoryStore.Update(ctx, actor); err != nil {
			return err
		}
	}
	return d.MemoryStore.WithTx(ctx, fn)
}

func TestAdminSetRoleRechecksActorInsideUnit(t *testing.T) {
	var wrapped *demotingStore
	e := newEnv(t, testConfig(), func(m *accounts.MemoryStore) accounts.Store {
		wrapped = &demotingStore{MemoryStore: m}
		return wrapped
	})
	ctx := context.Background()

	hash, err := e.hasher.Hash("rootpw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	root, err := e.store.Create(ctx, accounts.NewAccount{Username: "root", PasswordHash: hash, Role: accounts.RoleAdmin, Active: true})
	if err != nil {
		t.Fatalf("seed root: %v", err)
	}
	bob, err := e.store.Create(ctx, accounts.NewAccount{Username: "bob", PasswordHash: hash, Role: accounts.RoleStandard, Active: true})
	if err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	_, sess, err := e.service.Login(ctx, "root", "rootpw", sessions.Meta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rootCookie := e.sessions.CookieValue(sess)

	wrapped.demote = root.ID
	_, err = e.service.AdminSetRole(ctx, rootCookie, bob.ID, accounts.RoleAdmin)
	if !errors.Is(err, shared.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	stored, err := e.store.FindByID(ctx, bob.ID)
	if err != nil {
		t.Fatalf("find bob: %v", err)
	}
	if stored.Role != accounts.RoleStandard {
		t.Fatalf("bob was promoted by a demoted admin")
	}
}

func TestRequestPasswordResetTimingIsUniform(t *testing.T) {
	cfg := auth.DefaultConfig()
	cfg.ResponseFloor = 150 * time.Millisecond
	e := newEnv(t, cfg)
	ctx := context.Background()

	_, err := e.store.Create(ctx, accounts.NewAccount{Username: "alice", PasswordHash: "h", Email: "a@x.com", Role: accounts.RoleStandard, Active: true})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	measure := func(identifier string) time.Duration {
		start := time.Now()
		if err := e.service.RequestPasswordReset(ctx, identifier); err != nil {
			t.Fatalf("request reset %q: %v", identifier, err)
		}
		return time.Since(start)
	}
	existing := measure("alice")
	missing := measure("nobody")

	if existing < cfg.ResponseFloor || missing < cfg.ResponseFloor {
		t.Fatalf("expected both calls to take at least %s, got %s and %s", cfg.ResponseFloor, existing, missing)
	}
	diff := existing - missing
	if diff < 0 {
		diff = -diff
	}
	if diff > 100*time.Millisecond {
		t.Fatalf("latency differs too much: existing=%s missing=%s", existing, missing)
	}
}
