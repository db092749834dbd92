// Package ws streams room events to browsers and CLIs over Server-Sent
// Events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/turnstile/comms"
)

const (
	clientBuffer      = 64
	defaultKeepAlive  = 15 * time.Second
	eventTypeRoom     = "room_event"
	eventTypeGreeting = "connected"
)

// Event is one frame on the stream.
type Event struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type frame struct {
	id   string
	name string
	data []byte
}

// subscriber is one open stream. An empty room means every room.
type subscriber struct {
	room   string
	frames chan frame
}

func (s *subscriber) wants(room string) bool {
	return s.room == "" || room == "" || s.room == room
}

// Hub fans frames out to connected streams. Slow streams lose frames
// instead of stalling the publisher.
type Hub struct {
	logger    *slog.Logger
	keepAlive time.Duration
	dropped   atomic.Uint64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub. A nil logger discards.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		logger:    logger,
		keepAlive: defaultKeepAlive,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Clients reports the number of open streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many frames were discarded for slow streams.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast queues ev on every stream watching its room.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode stream event", slog.String("type", ev.Type), slog.Any("err", err))
		return
	}
	f := frame{name: ev.Type, data: data}
	if re, ok := ev.Payload.(comms.Event); ok {
		f.id = strconv.FormatInt(re.Seq, 10)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev.RoomID) {
			continue
		}
		select {
		case s.frames <- f:
		default:
			h.dropped.Add(1)
		}
	}
}

// Feed forwards sub's events to the hub until sub closes or ctx ends.
func (h *Hub) Feed(ctx context.Context, sub *comms.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.Broadcast(Event{Type: eventTypeRoom, RoomID: ev.RoomID, Payload: ev})
		}
	}
}

func (h *Hub) attach(room string) *subscriber {
	s := &subscriber{room: room, frames: make(chan frame, clientBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) detach(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeSSE streams frames until the client goes away. ?room= narrows the
// stream to one room. Room events carry their sequence number as the SSE
// id.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	s := h.attach(r.URL.Query().Get("room"))
	defer h.detach(s)

	if err := writeFrame(w, frame{name: eventTypeGreeting, data: []byte(`{"type":"connected"}`)}); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case f := <-s.frames:
			err = writeFrame(w, f)
		case <-ping.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}
		if err != nil {
			h.logger.Debug("stream closed", slog.Any("err", err))
			return
		}
		flusher.Flush()
	}
}

// writeFrame writes f in SSE wire format. JSON payloads never contain raw
// newlines, so one data line is enough.
func writeFrame(w io.Writer, f frame) error {
	if f.id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", f.id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, f.data)
	return err
}
