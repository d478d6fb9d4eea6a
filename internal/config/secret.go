package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// StaticSecret returns a secret source that never changes.
func StaticSecret(secret string) func() []byte {
	b := []byte(secret)
	return func() []byte { return b }
}

// SecretWatcher keeps a secret read from a file and re-reads it whenever the
// file's directory changes. Mounted secrets are replaced by renaming a
// symlink, so the directory is watched rather than the file.
type SecretWatcher struct {
	path    string
	log     logrus.FieldLogger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	secret []byte

	closeOnce sync.Once
}

func NewSecretWatcher(path string, logger logrus.FieldLogger) (*SecretWatcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &SecretWatcher{path: filepath.Clean(path), log: logger.WithField("component", "secret-watcher")}
	if err := w.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	return w, nil
}

// Secret returns the current secret. Callers must not modify it.
func (w *SecretWatcher) Secret() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.secret
}

// Run applies file changes until ctx ends or the watcher is closed.
func (w *SecretWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				w.log.WithError(err).Warn("keeping previous webhook secret")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("secret watcher error")
		}
	}
}

func (w *SecretWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *SecretWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return errors.New("secret file is empty")
	}
	w.mu.Lock()
	changed := !bytes.Equal(secret, w.secret)
	w.secret = secret
	w.mu.Unlock()
	if changed {
		w.log.Info("webhook secret loaded")
	}
	return nil
}
