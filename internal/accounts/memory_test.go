package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gliderblog/gliderblog/internal/shared"
)

func TestMemoryStoreCreateAssignsMonotonicIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Create(ctx, NewAccount{Username: "alice", PasswordHash: "h", Email: "a@x.com", Role: RoleStandard})
	require.NoError(t, err)
	second, err := store.Create(ctx, NewAccount{Username: "bob", PasswordHash: "h", Email: "b@x.com", Role: RoleStandard})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, StatePendingVerification, first.State)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestMemoryStoreUsernameIsCaseSensitive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, NewAccount{Username: "alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)
	_, err = store.Create(ctx, NewAccount{Username: "Alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)

	_, err = store.FindByUsername(ctx, "ALICE")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMemoryStoreConcurrentDuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Create(ctx, NewAccount{Username: "racer", PasswordHash: "h", Role: RoleStandard})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, shared.ErrDuplicateUsername):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, dupes)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, NewAccount{Username: "alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)

	created.Role = RoleAdmin
	stored, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleStandard, stored.Role)
}

func TestMemoryStoreTokenLookups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, NewAccount{
		Username:     "alice",
		PasswordHash: "h",
		Role:         RoleStandard,
		Verification: &PendingToken{Fingerprint: "verify-fp"},
	})
	require.NoError(t, err)

	found, err := store.FindByVerificationToken(ctx, "verify-fp")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = store.FindByResetToken(ctx, "verify-fp")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = store.FindByVerificationToken(ctx, "")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMemoryStoreWithTxRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, NewAccount{Username: "alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		a, err := q.FindByID(ctx, created.ID)
		if err != nil {
			return err
		}
		a.State = StateActive
		if err := q.Update(ctx, a); err != nil {
			return err
		}
		staged, err := q.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, staged.IsActive())
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, after.IsActive())
}

func TestMemoryStoreWithTxAbortsOnCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	created, err := store.Create(context.Background(), NewAccount{Username: "alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = store.WithTx(ctx, func(ctx context.Context, q Queries) error {
		a, err := q.FindByID(ctx, created.ID)
		if err != nil {
			return err
		}
		a.State = StateActive
		if err := q.Update(ctx, a); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	after, err := store.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, after.IsActive())
}

func TestMemoryStoreUpdateKeepsImmutableFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, NewAccount{Username: "alice", PasswordHash: "h", Role: RoleStandard})
	require.NoError(t, err)

	changed := created.Clone()
	changed.Username = "mallory"
	changed.CreatedAt = time.Unix(0, 0)
	require.NoError(t, store.Update(ctx, changed))

	stored, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	assert.Equal(t, created.CreatedAt, stored.CreatedAt)

	assert.ErrorIs(t, store.Update(ctx, &Account{ID: 99, Role: RoleStandard}), shared.ErrNotFound)
}

func TestMemoryStoreListOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		_, err := store.Create(ctx, NewAccount{Username: name, PasswordHash: "h", Role: RoleStandard})
		require.NoError(t, err)
	}
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].Username, list[1].Username, list[2].Username})
}

func TestMemoryStoreSweepExpiredTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	expired, err := store.Create(ctx, NewAccount{Username: "old", PasswordHash: "h", Role: RoleStandard,
		Verification: &PendingToken{Fingerprint: "v1", ExpiresAt: now.Add(-time.Minute)}})
	require.NoError(t, err)
	fresh, err := store.Create(ctx, NewAccount{Username: "new", PasswordHash: "h", Role: RoleStandard,
		Verification: &PendingToken{Fingerprint: "v2", ExpiresAt: now.Add(time.Minute)}})
	require.NoError(t, err)
	forever, err := store.Create(ctx, NewAccount{Username: "forever", PasswordHash: "h", Role: RoleStandard,
		Verification: &PendingToken{Fingerprint: "v3"}})
	require.NoError(t, err)

	n, err := store.SweepExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for id, wantPending := range map[int64]bool{expired.ID: false, fresh.ID: true, forever.ID: true} {
		a, err := store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantPending, a.HasPendingVerification(), a.Username)
	}
}
