package sink

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/whooprelay/internal/storage"
)

func TestStoreApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryBackend())
	t0 := time.Date(2026, 2, 28, 21, 0, 0, 0, time.UTC)

	u := Update{UserID: 1, Resource: "workout", ID: "1043", UpdatedAt: t0, Payload: json.RawMessage(`{"strain":9.1}`), Source: SourceWebhook}
	applied, err := store.Apply(ctx, u)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.Apply(ctx, u)
	require.NoError(t, err)
	require.False(t, applied, "same updated_at must be a no-op")

	older := u
	older.UpdatedAt = t0.Add(-time.Minute)
	older.Payload = json.RawMessage(`{"strain":1}`)
	applied, err = store.Apply(ctx, older)
	require.NoError(t, err)
	require.False(t, applied)

	newer := u
	newer.UpdatedAt = t0.Add(time.Minute)
	newer.Payload = json.RawMessage(`{"strain":12.5}`)
	applied, err = store.Apply(ctx, newer)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Get(ctx, "workout", "1043")
	require.NoError(t, err)
	require.JSONEq(t, `{"strain":12.5}`, string(got.Payload))
}

func TestStoreTombstoneWinsTie(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	t0 := time.Date(2026, 2, 28, 21, 0, 0, 0, time.UTC)

	_, err := store.Apply(ctx, Update{UserID: 1, Resource: "sleep", ID: "s1", UpdatedAt: t0})
	require.NoError(t, err)
	applied, err := store.Apply(ctx, Update{UserID: 1, Resource: "sleep", ID: "s1", UpdatedAt: t0, Deleted: true})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Get(ctx, "sleep", "s1")
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestStoreTombstoneReplacesNewerLiveVersion(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	deliveredAt := time.Date(2026, 2, 28, 21, 0, 0, 0, time.UTC)

	// provider updated_at can run ahead of the local delivery clock
	_, err := store.Apply(ctx, Update{UserID: 1, Resource: "workout", ID: "w1", UpdatedAt: deliveredAt.Add(3 * time.Second)})
	require.NoError(t, err)
	applied, err := store.Apply(ctx, Update{UserID: 1, Resource: "workout", ID: "w1", UpdatedAt: deliveredAt, Deleted: true})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Get(ctx, "workout", "w1")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	// a replayed tombstone is not a new version
	applied, err = store.Apply(ctx, Update{UserID: 1, Resource: "workout", ID: "w1", UpdatedAt: deliveredAt, Deleted: true})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestStoreRejectsIncompleteUpdate(t *testing.T) {
	_, err := NewStore(nil).Apply(context.Background(), Update{Resource: "sleep"})
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestBroadcastStreamsAppliedUpdates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"?user_id=7", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	s := Broadcast(NewStore(nil), hub)
	t0 := time.Date(2026, 2, 28, 21, 0, 0, 0, time.UTC)
	_, err = s.Apply(ctx, Update{UserID: 8, Resource: "sleep", ID: "other", UpdatedAt: t0})
	require.NoError(t, err)
	applied, err := s.Apply(ctx, Update{UserID: 7, Resource: "sleep", ID: "mine", UpdatedAt: t0, Source: SourceReconcile})
	require.NoError(t, err)
	require.True(t, applied)

	var got Update
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "mine", got.ID)
	require.Equal(t, SourceReconcile, got.Source)
}
