package storage

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}

	backend, err = BuildBackendFromDSN("file://" + filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("expected *FileBackend, got %T", backend)
	}

	backend, err = BuildBackendFromDSN("sqlite://" + filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	if _, ok := backend.(*SQLiteBackend); !ok {
		t.Fatalf("expected *SQLiteBackend, got %T", backend)
	}
	_ = backend.Close()

	backend, err = BuildBackendFromDSN("postgres://localhost/whooprelay?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildBackendFromDSN("mysql://localhost/whooprelay"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql backend, got %v", err)
	}
	if _, err := BuildBackendFromDSN("ftp://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildQueueFromDSN(t *testing.T) {
	queue, err := BuildQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected queue capacity 7, got %d", queue.Capacity())
	}

	queue, err = BuildQueueFromDSN("file://"+filepath.Join(t.TempDir(), "queue.json"), 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue.Capacity() != 9 {
		t.Fatalf("expected queue capacity 9, got %d", queue.Capacity())
	}

	if _, err := BuildQueueFromDSN("kafka://localhost:9092", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for kafka queue, got %v", err)
	}
}

func TestRegisterFactories(t *testing.T) {
	RegisterBackendFactory("backendtestcustom", func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN("backendtestcustom://example")
	if err != nil || backend == nil {
		t.Fatalf("build backend via registered factory failed: %v", err)
	}

	RegisterQueueFactory("queuetestcustom", func(dsn string, capacity int) (Queue, error) {
		return NewMemoryQueue(capacity), nil
	})
	queue, err := BuildQueueFromDSN("queuetestcustom://example", 17)
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
}

func TestDSNPathKeepsRelativeSegments(t *testing.T) {
	cases := map[string]string{
		"sqlite://.whooprelay/state.db": ".whooprelay/state.db",
		"file:///var/lib/q.json":        "/var/lib/q.json",
		"file://queue.json":             "queue.json",
		"state.json":                    "state.json",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil {
			t.Fatalf("dsnPath(%q) failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("dsnPath(%q) = %q, want %q", raw, got, want)
		}
	}
}
