package engine

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"crucible/internal/protocol"
	"crucible/internal/sim/epoch"
)

// Subscriber is one event stream attached to an epoch. Out carries
// pre-marshaled EVENT frames; a subscriber that cannot keep up starts losing
// frames rather than blocking the publisher.
type Subscriber struct {
	EpochID string
	Out     chan []byte

	dropped atomic.Uint64
}

// Dropped reports how many frames were discarded because the subscriber's
// queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Hub fans epoch events out to subscribers. Publishing never blocks on a slow
// consumer.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
	seq  map[string]uint64
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[*Subscriber]struct{}{},
		seq:  map[string]uint64{},
	}
}

// Subscribe attaches a new stream to the given epoch. maxQueue bounds the
// per-subscriber buffer.
func (h *Hub) Subscribe(epochID string, maxQueue int) *Subscriber {
	if maxQueue <= 0 {
		maxQueue = 8
	}
	if maxQueue > 64 {
		maxQueue = 64
	}
	sub := &Subscriber{EpochID: epochID, Out: make(chan []byte, maxQueue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[epochID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		h.subs[epochID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a stream and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.EpochID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.EpochID)
	}
	close(sub.Out)
}

// Publish wraps drained domain events into EVENT frames and fans them out.
// Each frame is marshaled once and shared by all subscribers.
func (h *Hub) Publish(events []epoch.Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		h.seq[ev.EpochID]++
		frame, err := json.Marshal(protocol.EventMsg{
			Type:            protocol.TypeEvent,
			ProtocolVersion: protocol.Version,
			Kind:            ev.Kind,
			EpochID:         ev.EpochID,
			Cycle:           ev.Cycle,
			Seq:             h.seq[ev.EpochID],
			Payload:         ev.Payload,
		})
		if err != nil {
			continue
		}
		for sub := range h.subs[ev.EpochID] {
			select {
			case sub.Out <- frame:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount reports the number of attached streams for an epoch.
func (h *Hub) SubscriberCount(epochID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[epochID])
}
