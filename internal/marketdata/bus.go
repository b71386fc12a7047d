package marketdata

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is fanned out to every matching subscriber. Slow subscribers miss events
// rather than block publishers.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Data      any       `json:"data"`
	TS        time.Time `json:"ts"`
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event][]string
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event][]string)}
}

// Subscribe returns a channel receiving events whose type starts with one of
// prefixes, or every event when none are given.
func (b *Bus) Subscribe(prefixes ...string) chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = append([]string(nil), prefixes...)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, prefixes := range b.subs {
		if !matches(evt.Type, prefixes) {
			continue
		}
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func matches(typ string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}
