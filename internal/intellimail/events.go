package intellimail

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

type CompletionEvent struct {
	OwnerID         string    `json:"ownerId"`
	MessageID       string    `json:"messageId"`
	ContentHash     string    `json:"contentHash"`
	Sentiment       Sentiment `json:"sentiment,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
	ImportanceScore float64   `json:"importanceScore"`
	HighPriority    bool      `json:"highPriority"`
	Partial         bool      `json:"partial"`
	ComputedAt      time.Time `json:"computedAt"`
}

func NewCompletionEvent(result AnalysisResult, highPriorityThreshold float64) CompletionEvent {
	return CompletionEvent{
		OwnerID:         result.OwnerID,
		MessageID:       result.MessageID,
		ContentHash:     result.ContentHash,
		Sentiment:       result.Sentiment,
		Categories:      append([]string(nil), result.Categories...),
		ImportanceScore: result.ImportanceScore,
		HighPriority:    result.HighPriority(highPriorityThreshold),
		Partial:         result.Partial(),
		ComputedAt:      result.ComputedAt,
	}
}

// EventHub fans completion events out to per-owner subscribers. A subscriber
// whose buffer is full misses the event instead of stalling workers.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

type Subscription struct {
	C <-chan CompletionEvent

	ch      chan CompletionEvent
	ownerID string
	hub     *EventHub
	once    sync.Once
}

func NewEventHub(buffer int, logger *zap.Logger) *EventHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		logger: logger.With(zap.String("component", "events")),
	}
}

func (h *EventHub) Subscribe(ownerID string) *Subscription {
	ch := make(chan CompletionEvent, h.buffer)
	sub := &Subscription{C: ch, ch: ch, ownerID: ownerID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	owned, ok := h.subs[ownerID]
	if !ok {
		owned = map[*Subscription]struct{}{}
		h.subs[ownerID] = owned
	}
	owned[sub] = struct{}{}
	return sub
}

// Close detaches the subscription and closes its channel. It is safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if owned, ok := s.hub.subs[s.ownerID]; ok {
			delete(owned, s)
			if len(owned) == 0 {
				delete(s.hub.subs, s.ownerID)
			}
		}
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *EventHub) Publish(event CompletionEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.OwnerID] {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Warn("feed subscriber too slow, event dropped",
				zap.String("owner_id", event.OwnerID),
				zap.String("message_id", event.MessageID),
			)
		}
	}
}

func (h *EventHub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ownerID])
}

func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}
