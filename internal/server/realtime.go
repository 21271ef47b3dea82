package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
)

const (
	realtimeBufferSize = 64
	// noSubscriber excludes nobody when passed to BroadcastExcept.
	noSubscriber int64 = 0
)

// RealtimeHub fans encoded envelopes out to every connected sync channel.
type RealtimeHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     int64
	stream chan []byte
}

func NewRealtimeHub(logger *zap.Logger) *RealtimeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHub{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		logger:      logger,
	}
}

// Subscribe registers a connection. The returned stream is closed by cleanup,
// which also runs when ctx is done.
func (h *RealtimeHub) Subscribe(ctx context.Context) (int64, <-chan []byte, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan []byte, h.bufferSize),
	}
	h.mu.Lock()
	h.nextID++
	subscriber.id = h.nextID
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.id, subscriber.stream, cleanup
}

// Broadcast delivers the envelope to every subscriber.
func (h *RealtimeHub) Broadcast(envelope protocol.Envelope) {
	h.BroadcastExcept(noSubscriber, envelope)
}

// BroadcastExcept delivers the envelope to every subscriber other than excluded.
func (h *RealtimeHub) BroadcastExcept(excluded int64, envelope protocol.Envelope) {
	frame, err := envelope.Encode()
	if err != nil {
		h.logger.Error("realtime encode failed", zap.String("event", envelope.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, subscriber := range h.subscribers {
		if id == excluded {
			continue
		}
		h.deliver(subscriber, envelope.Event, frame)
	}
}

// SendTo delivers the envelope to a single subscriber.
func (h *RealtimeHub) SendTo(subscriberID int64, envelope protocol.Envelope) {
	frame, err := envelope.Encode()
	if err != nil {
		h.logger.Error("realtime encode failed", zap.String("event", envelope.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	subscriber, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	h.deliver(subscriber, envelope.Event, frame)
}

// SubscriberCount returns the number of connected channels.
func (h *RealtimeHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// deliver must be called with h.mu held for reading.
func (h *RealtimeHub) deliver(subscriber *realtimeSubscriber, event string, frame []byte) {
	select {
	case subscriber.stream <- frame:
	default:
		// The client re-sends anything unconfirmed on its next reconnect.
		h.logger.Warn("realtime buffer full, dropping frame",
			zap.Int64("subscriber_id", subscriber.id),
			zap.String("event", event))
	}
}

func (h *RealtimeHub) unregisterSubscriber(subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(h.subscribers, subscriberID)
	close(subscriber.stream)
}
