package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/storage"
)

const cursorBucket = "cursors"

var ErrCursorNotFound = errors.New("reconciliation cursor not found")

// Cursor bounds the incremental scan for one user and resource type.
// Watermark is the latest updated_at observed by a fully successful sweep.
type Cursor struct {
	UserID    int64            `json:"user_id"`
	Resource  dataapi.Resource `json:"resource"`
	Watermark time.Time        `json:"watermark"`
	LastRunAt time.Time        `json:"last_run_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type CursorStore interface {
	Get(ctx context.Context, userID int64, resource dataapi.Resource) (Cursor, error)
	Put(ctx context.Context, c Cursor) error
	// DeleteUser drops every cursor of a user whose connection was revoked.
	DeleteUser(ctx context.Context, userID int64) error
}

type BackendCursorStore struct {
	backend storage.Backend
}

func NewBackendCursorStore(backend storage.Backend) *BackendCursorStore {
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	return &BackendCursorStore{backend: backend}
}

func (s *BackendCursorStore) Get(ctx context.Context, userID int64, resource dataapi.Resource) (Cursor, error) {
	data, err := s.backend.Get(ctx, cursorBucket, cursorKey(userID, resource))
	if errors.Is(err, storage.ErrNotFound) {
		return Cursor{}, fmt.Errorf("%w: user %d %s", ErrCursorNotFound, userID, resource)
	}
	if err != nil {
		return Cursor{}, err
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %d/%s: %w", userID, resource, err)
	}
	return c, nil
}

func (s *BackendCursorStore) Put(ctx context.Context, c Cursor) error {
	if c.UserID <= 0 || c.Resource == "" {
		return fmt.Errorf("%w: cursor needs user and resource", storage.ErrInvalidInput)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, cursorBucket, cursorKey(c.UserID, c.Resource), data)
}

func (s *BackendCursorStore) DeleteUser(ctx context.Context, userID int64) error {
	entries, err := s.backend.List(ctx, cursorBucket)
	if err != nil {
		return err
	}
	prefix := strconv.FormatInt(userID, 10) + "/"
	for _, key := range storage.SortedKeys(entries) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.backend.Delete(ctx, cursorBucket, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func cursorKey(userID int64, resource dataapi.Resource) string {
	return strconv.FormatInt(userID, 10) + "/" + resource.String()
}
