package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/agentworkforce/whooprelay/internal/storage"
)

const tokenBucket = "tokens"

type Store interface {
	Get(ctx context.Context, userID int64) (Record, error)
	Put(ctx context.Context, rec Record) error
	MarkRevoked(ctx context.Context, userID int64) error
	// Update applies fn to the stored record and writes the result. Returning
	// an error from fn aborts the write.
	Update(ctx context.Context, userID int64, fn func(*Record) error) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// BackendStore persists records as JSON in a storage.Backend. Writes for the
// same user are serialised.
type BackendStore struct {
	backend storage.Backend
	clock   clockwork.Clock

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewBackendStore(backend storage.Backend, clock clockwork.Clock) *BackendStore {
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BackendStore{backend: backend, clock: clock, locks: map[int64]*sync.Mutex{}}
}

func (s *BackendStore) Get(ctx context.Context, userID int64) (Record, error) {
	data, err := s.backend.Get(ctx, tokenBucket, userKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode token record for user %d: %w", userID, err)
	}
	return rec, nil
}

func (s *BackendStore) Put(ctx context.Context, rec Record) error {
	if rec.UserID <= 0 {
		return fmt.Errorf("%w: user id %d", storage.ErrInvalidInput, rec.UserID)
	}
	lock := s.userLock(rec.UserID)
	lock.Lock()
	defer lock.Unlock()
	return s.write(ctx, rec)
}

func (s *BackendStore) Update(ctx context.Context, userID int64, fn func(*Record) error) (Record, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.UserID = userID
	if err := s.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BackendStore) MarkRevoked(ctx context.Context, userID int64) error {
	_, err := s.Update(ctx, userID, func(rec *Record) error {
		rec.State = StateRevoked
		rec.AccessToken = ""
		rec.RefreshToken = ""
		return nil
	})
	return err
}

func (s *BackendStore) List(ctx context.Context) ([]Record, error) {
	entries, err := s.backend.List(ctx, tokenBucket)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, key := range storage.SortedKeys(entries) {
		var rec Record
		if err := json.Unmarshal(entries[key], &rec); err != nil {
			return nil, fmt.Errorf("decode token record %s: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *BackendStore) write(ctx context.Context, rec Record) error {
	rec.UpdatedAt = s.clock.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, tokenBucket, userKey(rec.UserID), data)
}

func (s *BackendStore) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
