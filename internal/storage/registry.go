package storage

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type QueueFactory func(dsn string, capacity int) (Queue, error)

var factoryRegistry = struct {
	mu      sync.RWMutex
	backend map[string]BackendFactory
	queue   map[string]QueueFactory
}{
	backend: map[string]BackendFactory{},
	queue:   map[string]QueueFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN route scheme to factory.
// Registered schemes take precedence over the built-in ones.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.backend[scheme] = factory
}

func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.queue[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.backend[normalizeScheme(scheme)]
	return factory, ok
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.queue[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
