package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	keepaliveInterval = 15 * time.Second
	clientBacklog     = 64
)

// streamEvent is one server-sent event. ID increases monotonically per hub.
type streamEvent struct {
	ID   uint64
	Name string
	Data []byte
}

type subscriber struct {
	queue  chan streamEvent
	closed chan struct{}
}

// SSEHub fans project events out to event-stream clients. The latest event
// of every name is kept and replayed to clients that connect later, so a new
// dashboard sees the current snapshot without waiting for the next tick.
type SSEHub struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	latest map[string]streamEvent
	seq    uint64

	stopped chan struct{}
	stop    sync.Once
}

// NewSSEHub creates an empty hub.
func NewSSEHub(log logrus.FieldLogger) *SSEHub {
	return &SSEHub{
		log:     log.WithField("component", "sse"),
		subs:    make(map[*subscriber]struct{}, 8),
		latest:  make(map[string]streamEvent, 2),
		stopped: make(chan struct{}),
	}
}

func (h *SSEHub) subscribe() *subscriber {
	s := &subscriber{
		queue:  make(chan streamEvent, clientBacklog),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	for _, evt := range h.latest {
		s.queue <- evt
	}

	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.log.WithField("clients", n).Debug("event stream client connected")

	return s
}

func (h *SSEHub) unsubscribe(s *subscriber) {
	h.mu.Lock()

	if _, ok := h.subs[s]; !ok {
		// Already dropped by Stop.
		h.mu.Unlock()

		return
	}

	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	close(s.closed)

	h.log.WithField("clients", n).Debug("event stream client disconnected")
}

// Clients returns the number of connected clients.
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Broadcast encodes data and queues it for every client. A client whose
// backlog is full misses the event.
func (h *SSEHub) Broadcast(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.WithError(err).WithField("event", name).Error("failed to encode event")

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	evt := streamEvent{ID: h.seq, Name: name, Data: payload}
	h.latest[name] = evt

	for s := range h.subs {
		select {
		case s.queue <- evt:
		default:
			h.log.WithField("event", name).Debug("dropping event for slow client")
		}
	}
}

// Stop disconnects every client. Later connections return immediately.
func (h *SSEHub) Stop() {
	h.stop.Do(func() {
		close(h.stopped)

		h.mu.Lock()
		defer h.mu.Unlock()

		for s := range h.subs {
			close(s.closed)
			delete(h.subs, s)
		}
	})
}

// ServeHTTP streams events until the client goes away or the hub stops.
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)

		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopped:
			return
		case <-sub.closed:
			return
		case evt := <-sub.queue:
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Name, evt.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
