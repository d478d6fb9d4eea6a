package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestSecretWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook-secret")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	logger, _ := test.NewNullLogger()
	w, err := NewSecretWatcher(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.Equal(t, []byte("first"), w.Secret())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	require.Eventually(t, func() bool {
		return string(w.Secret()) == "second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecretWatcherKeepsSecretWhenFileEmptied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook-secret")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	logger, hook := test.NewNullLogger()
	w, err := NewSecretWatcher(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == "keeping previous webhook secret" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("keep"), w.Secret())
}

func TestNewSecretWatcherRequiresReadableFile(t *testing.T) {
	_, err := NewSecretWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}

func TestStaticSecret(t *testing.T) {
	require.Equal(t, []byte("s"), StaticSecret("s")())
}
