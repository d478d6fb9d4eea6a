package sink

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Hub streams applied updates to websocket subscribers. Slow subscribers lose
// updates rather than stalling the publisher.
type Hub struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	userID int64
	ch     chan Update
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{log: logger.WithField("component", "hub"), subs: map[*subscriber]struct{}{}}
}

func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != 0 && sub.userID != u.UserID {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			h.log.WithField("user_id", u.UserID).Warn("dropping update for slow subscriber")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams updates until the peer goes
// away. ?user_id= restricts the stream to one user.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		userID = parsed
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	sub := &subscriber{userID: userID, ch: make(chan Update, subscriberBuffer)}
	h.add(sub)
	defer h.remove(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case u := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, u)
			cancel()
			if err != nil {
				h.log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

type broadcastSink struct {
	next Sink
	hub  *Hub
}

// Broadcast publishes every update next reports as applied.
func Broadcast(next Sink, hub *Hub) Sink {
	return &broadcastSink{next: next, hub: hub}
}

func (b *broadcastSink) Apply(ctx context.Context, u Update) (bool, error) {
	applied, err := b.next.Apply(ctx, u)
	if err != nil || !applied {
		return applied, err
	}
	b.hub.Publish(u)
	return true, nil
}
