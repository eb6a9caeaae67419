package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/gliderblog/gliderblog/internal/shared"
)

// MemoryStore keeps accounts in process. It backs the development profile
// (STORE_DRIVER=memory) and the test suites; one mutex serialises every write.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Account
	now    func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]*Account), now: time.Now}
}

// Create inserts the account, checking username uniqueness under the same lock as the insert.
func (s *MemoryStore) Create(ctx context.Context, in NewAccount) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !in.Role.Valid() {
		return nil, shared.ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Username == in.Username {
			return nil, shared.ErrDuplicateUsername
		}
	}
	s.nextID++
	created := in.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	account := &Account{
		ID:           s.nextID,
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		Email:        in.Email,
		Role:         in.Role,
		State:        StatePendingVerification,
		CreatedAt:    created,
	}
	if in.Active {
		account.State = StateActive
	}
	if in.Verification != nil {
		v := *in.Verification
		account.Verification = &v
	}
	s.byID[account.ID] = account
	return account.Clone(), nil
}

// List returns all accounts ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.byID))
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.byID[id]; ok {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

// SweepExpiredTokens clears expired pending tokens.
func (s *MemoryStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.byID {
		if a.Verification != nil && a.Verification.Expired(now) {
			a.Verification = nil
			n++
		}
		if a.Reset != nil && a.Reset.Expired(now) {
			a.Reset = nil
			n++
		}
	}
	return n, nil
}

// WithTx holds the store lock for the whole of fn. Updates made by fn are staged and
// only applied when fn returns nil.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, staged: make(map[int64]*Account)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, a := range tx.staged {
		s.byID[id] = a
	}
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id int64) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *Account) bool { return a.ID == id })
}

func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *Account) bool { return a.Username == username })
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(a *Account) bool { return a.Email != "" && a.Email == email })
}

func (s *MemoryStore) FindByVerificationToken(ctx context.Context, fingerprint string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(verificationMatch(fingerprint))
}

func (s *MemoryStore) FindByResetToken(ctx context.Context, fingerprint string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(resetMatch(fingerprint))
}

func (s *MemoryStore) Update(ctx context.Context, a *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(s.byID, a)
}

// find scans in id order so that duplicate emails resolve to the oldest account.
// Callers hold s.mu.
func (s *MemoryStore) find(match func(*Account) bool) (*Account, error) {
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.byID[id]; ok && match(a) {
			return a.Clone(), nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *MemoryStore) put(into map[int64]*Account, a *Account) error {
	current, ok := s.byID[a.ID]
	if !ok {
		return shared.ErrNotFound
	}
	next := a.Clone()
	next.Username = current.Username
	next.CreatedAt = current.CreatedAt
	into[a.ID] = next
	return nil
}

type memTx struct {
	store  *MemoryStore
	staged map[int64]*Account
}

func (t *memTx) lookup(match func(*Account) bool) (*Account, error) {
	for id := int64(1); id <= t.store.nextID; id++ {
		a, ok := t.staged[id]
		if !ok {
			a, ok = t.store.byID[id]
		}
		if ok && match(a) {
			return a.Clone(), nil
		}
	}
	return nil, shared.ErrNotFound
}

func (t *memTx) FindByID(ctx context.Context, id int64) (*Account, error) {
	return t.lookup(func(a *Account) bool { return a.ID == id })
}

func (t *memTx) FindByUsername(ctx context.Context, username string) (*Account, error) {
	return t.lookup(func(a *Account) bool { return a.Username == username })
}

func (t *memTx) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return t.lookup(func(a *Account) bool { return a.Email != "" && a.Email == email })
}

func (t *memTx) FindByVerificationToken(ctx context.Context, fingerprint string) (*Account, error) {
	return t.lookup(verificationMatch(fingerprint))
}

func (t *memTx) FindByResetToken(ctx context.Context, fingerprint string) (*Account, error) {
	return t.lookup(resetMatch(fingerprint))
}

func (t *memTx) Update(ctx context.Context, a *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.store.put(t.staged, a)
}

func verificationMatch(fingerprint string) func(*Account) bool {
	return func(a *Account) bool {
		return fingerprint != "" && a.Verification != nil && a.Verification.Fingerprint == fingerprint
	}
}

func resetMatch(fingerprint string) func(*Account) bool {
	return func(a *Account) bool {
		return fingerprint != "" && a.Reset != nil && a.Reset.Fingerprint == fingerprint
	}
}

var _ Store = (*MemoryStore)(nil)
