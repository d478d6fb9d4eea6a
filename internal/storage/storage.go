// Package storage holds the DSN-selected persistence primitives shared by the
// token store, reconciliation cursors, the record sink and the dispatch queue.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is a bucketed key/value store. Put is an atomic upsert of a single
// key; implementations do not coordinate read-modify-write sequences.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) (map[string][]byte, error)
	Close() error
}

// Queue is a bounded FIFO of opaque string payloads.
type Queue interface {
	TryEnqueue(payload string) bool
	Enqueue(ctx context.Context, payload string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type queueSnapshotter interface {
	Snapshot() []string
}

// SnapshotQueue returns the pending payloads of queues that can enumerate
// them, oldest first.
func SnapshotQueue(q Queue) []string {
	if s, ok := q.(queueSnapshotter); ok {
		return s.Snapshot()
	}
	return nil
}

func validKey(bucket, key string) bool {
	return strings.TrimSpace(bucket) != "" && strings.TrimSpace(key) != ""
}

type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: map[string]map[string][]byte{}}
}

func (b *MemoryBackend) Get(_ context.Context, bucket, key string) ([]byte, error) {
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

func (b *MemoryBackend) Put(_ context.Context, bucket, key string, value []byte) error {
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
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, bucket, key string) error {
	if !validKey(bucket, key) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets[bucket], key)
	return nil
}

func (b *MemoryBackend) List(_ context.Context, bucket string) (map[string][]byte, error) {
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

func (b *MemoryBackend) Close() error {
	return nil
}

type memoryQueue struct {
	ch chan string
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{ch: make(chan string, capacity)}
}

func (q *memoryQueue) TryEnqueue(payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, payload string) bool {
	if q == nil || payload == "" {
		return false
	}
	select {
	case q.ch <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case payload := <-q.ch:
		return payload, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *memoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryQueue) Close() error {
	return nil
}

// SortedKeys returns the keys of a List result in ascending order.
func SortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
