package accounts_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/platform/db"
	"github.com/gliderblog/gliderblog/internal/shared"
	gltesting "github.com/gliderblog/gliderblog/testing"
)

// newPGStore starts a disposable PostgreSQL container. Set GLIDER_INTEGRATION=1 to run.
func newPGStore(t *testing.T) *accounts.PGStore {
	t.Helper()
	gltesting.RequireIntegration(t)
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "glider",
				"POSTGRES_PASSWORD": "glider",
				"POSTGRES_DB":       "glider",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://glider:glider@%s:%s/glider?sslmode=disable", host, port.Port())
	pool, err := db.New(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	return accounts.NewPGStore(pool, accounts.DefaultRoleCodes())
}

func TestPGStoreConcurrentDuplicateCreate(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, accounts.NewAccount{Username: "alice", PasswordHash: "h", Email: "a@x.com", Role: accounts.RoleStandard})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, shared.ErrDuplicateUsername) {
				dupes++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, dupes)
}

func TestPGStoreRoundTripsTokensAndRoles(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	created, err := store.Create(ctx, accounts.NewAccount{
		Username:     "bob",
		PasswordHash: "h",
		Email:        "b@x.com",
		Role:         accounts.RoleStandard,
		Verification: &accounts.PendingToken{Fingerprint: "fp-verify"},
	})
	require.NoError(t, err)

	found, err := store.FindByVerificationToken(ctx, "fp-verify")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.True(t, found.Verification.ExpiresAt.IsZero())

	err = store.WithTx(ctx, func(ctx context.Context, q accounts.Queries) error {
		a, err := q.FindByID(ctx, created.ID)
		if err != nil {
			return err
		}
		a.Verification = nil
		a.State = accounts.StateActive
		a.Role = accounts.RoleAdmin
		a.Reset = &accounts.PendingToken{Fingerprint: "fp-reset", ExpiresAt: expires}
		return q.Update(ctx, a)
	})
	require.NoError(t, err)

	updated, err := store.FindByResetToken(ctx, "fp-reset")
	require.NoError(t, err)
	assert.True(t, updated.IsActive())
	assert.Equal(t, accounts.RoleAdmin, updated.Role)
	assert.Nil(t, updated.Verification)
	assert.True(t, expires.Equal(updated.Reset.ExpiresAt))

	_, err = store.FindByUsername(ctx, "BOB")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
