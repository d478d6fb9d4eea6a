package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend keeps every bucket in a single JSON document that is rewritten
// through a temp file and rename on each mutation.
type FileBackend struct {
	path string

	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

type fileBackendState struct {
	Buckets map[string]map[string][]byte `json:"buckets"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{path: path, buckets: map[string]map[string][]byte{}}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if !validKey(bucket, key) {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *FileBackend) Put(_ context.Context, bucket, key string, value []byte) error {
	if !validKey(bucket, key) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.buckets[bucket]
	if !ok {
		entries = map[string][]byte{}
		b.buckets[bucket] = entries
	}
	previous, existed := entries[key]
	entries[key] = append([]byte(nil), value...)
	if err := b.saveLocked(); err != nil {
		if existed {
			entries[key] = previous
		} else {
			delete(entries, key)
		}
		return err
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, bucket, key string) error {
	if !validKey(bucket, key) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.buckets[bucket][key]
	if !existed {
		return nil
	}
	delete(b.buckets[bucket], key)
	if err := b.saveLocked(); err != nil {
		b.buckets[bucket][key] = previous
		return err
	}
	return nil
}

func (b *FileBackend) List(_ context.Context, bucket string) (map[string][]byte, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.buckets[bucket]))
	for key, value := range b.buckets[bucket] {
		out[key] = append([]byte(nil), value...)
	}
	return out, nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Buckets != nil {
		b.buckets = snapshot.Buckets
	}
	return nil
}

func (b *FileBackend) saveLocked() error {
	data, err := json.Marshal(fileBackendState{Buckets: b.buckets})
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
