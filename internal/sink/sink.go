// Package sink applies fetched provider records to the local mirror.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/whooprelay/internal/storage"
)

const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"

	recordBucket = "records"
)

type Update struct {
	UserID    int64           `json:"user_id"`
	Resource  string          `json:"resource"`
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source"`
}

// Sink applies updates idempotently. applied is false when the update carried
// nothing newer than what was already stored.
type Sink interface {
	Apply(ctx context.Context, u Update) (applied bool, err error)
}

// Store keeps the latest version of every record keyed by (resource, id).
type Store struct {
	backend storage.Backend
	mu      sync.Mutex
}

func NewStore(backend storage.Backend) *Store {
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	return &Store{backend: backend}
}

func (s *Store) Apply(ctx context.Context, u Update) (bool, error) {
	if strings.TrimSpace(u.Resource) == "" || strings.TrimSpace(u.ID) == "" {
		return false, fmt.Errorf("%w: update needs resource and id", storage.ErrInvalidInput)
	}
	u.UpdatedAt = u.UpdatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(ctx, u.Resource, u.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, err
	case !supersedes(u, existing):
		return false, nil
	}

	data, err := json.Marshal(u)
	if err != nil {
		return false, err
	}
	if err := s.backend.Put(ctx, recordBucket, recordKey(u.Resource, u.ID), data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, resource, id string) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, resource, id)
}

func (s *Store) get(ctx context.Context, resource, id string) (Update, error) {
	data, err := s.backend.Get(ctx, recordBucket, recordKey(resource, id))
	if err != nil {
		return Update{}, err
	}
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode record %s/%s: %w", resource, id, err)
	}
	return u, nil
}

// supersedes orders versions by updated_at. A tombstone replaces any live
// version: its timestamp is the delivery time, not a provider updated_at, so
// the two clocks cannot be compared.
func supersedes(next, current Update) bool {
	if next.Deleted && !current.Deleted {
		return true
	}
	return next.UpdatedAt.After(current.UpdatedAt)
}

func recordKey(resource, id string) string {
	return resource + "/" + id
}
