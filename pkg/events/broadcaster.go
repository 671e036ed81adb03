package events

import (
	"encoding/json"
	"log"
	"sync"
)

// Subscriber receives flushed event batches from the broadcaster.
// Payload is the batch serialized once as a JSON array; subscribers
// that forward verbatim (WebSocket) use it, subscribers that inspect
// events (history writer, logger) use the batch slice.
type Subscriber interface {
	Deliver(batch []Event, payload []byte)
	Closed() bool
}

// Broadcaster fans events out to every subscriber in publish order.
// Events published within one scheduling turn coalesce into a single
// batch: the first publish into an empty buffer wakes the flusher, and
// by the time it runs, everything the producing pass emitted is
// pending. Delivery happens on one dedicated goroutine so subscribers
// always observe batches in publish order.
type Broadcaster struct {
	// OnFlush, if set, observes each delivered batch size. Set before
	// the first Publish.
	OnFlush func(batchSize int)

	mu      sync.Mutex
	pending []Event

	subMu sync.Mutex
	subs  []Subscriber

	kick chan struct{}
	done chan struct{}
}

// NewBroadcaster creates a broadcaster and starts its flush goroutine.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish appends an event to the pending batch and schedules a flush
// if one is not already scheduled. It never blocks on subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()

	select {
	case b.kick <- struct{}{}:
	default:
		// Flush already scheduled; this event rides along.
	}
}

// Subscribe registers a subscriber for future batches.
func (b *Broadcaster) Subscribe(sub Subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs = append(b.subs, sub)
}

// Unsubscribe removes a subscriber. Safe to call for a subscriber that
// was never registered.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Close stops the flush goroutine after draining any pending batch.
func (b *Broadcaster) Close() {
	close(b.done)
}

func (b *Broadcaster) run() {
	for {
		select {
		case <-b.done:
			b.flush()
			return
		case <-b.kick:
			b.flush()
		}
	}
}

// flush takes the entire pending batch, serializes it once, and
// delivers it to every live subscriber. A panic in one subscriber is
// contained so the rest of the fan-out still happens.
func (b *Broadcaster) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		log.Printf("broadcast: batch encode error: %v", err)
		return
	}
	if b.OnFlush != nil {
		b.OnFlush(len(batch))
	}

	b.subMu.Lock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.subMu.Unlock()

	for _, s := range subs {
		if s.Closed() {
			continue
		}
		deliver(s, batch, payload)
	}
}

func deliver(s Subscriber, batch []Event, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broadcast: subscriber delivery panic: %v", r)
		}
	}()
	s.Deliver(batch, payload)
}

// Cleanup removes closed subscribers from the list.
func (b *Broadcaster) Cleanup() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	var active []Subscriber
	for _, s := range b.subs {
		if !s.Closed() {
			active = append(active, s)
		}
	}
	b.subs = active
}
