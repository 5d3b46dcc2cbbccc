package stream

import (
	"fmt"
	"sort"
	"sync"
)

// Mode selects how registered subscription keys match message keys.
type Mode int

const (
	// MatchExact delivers a message to subscribers registered under a key
	// equal to the message key.
	MatchExact Mode = iota
	// MatchPrefix delivers a message to subscribers whose registered key
	// is a prefix of the message key. Used with composite
	// "{asset_uuid}|{data_item_id}" bus keys.
	MatchPrefix
)

func (m Mode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts the STREAM_MATCH_MODE configuration value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exact":
		return MatchExact, nil
	case "prefix":
		return MatchPrefix, nil
	default:
		return 0, fmt.Errorf("match mode must be exact or prefix, got %q", s)
	}
}

// Registry maps subscription keys to the live queues subscribed under
// them. It is the only state shared between the dispatcher and the HTTP
// handlers; a single mutex serializes all mutations and snapshots. No I/O
// happens under the lock.
type Registry struct {
	mode    Mode
	metrics metrics

	mu            sync.Mutex
	subscriptions map[string][]*Queue
}

// NewRegistry returns an empty registry with the given match mode. The
// topic labels the registry's metrics.
func NewRegistry(mode Mode, topic string) *Registry {
	return &Registry{
		mode:          mode,
		metrics:       newMetrics(topic),
		subscriptions: make(map[string][]*Queue),
	}
}

// Mode reports the match mode fixed at construction.
func (r *Registry) Mode() Mode {
	return r.mode
}

// Attach subscribes q under key, creating the entry if absent.
func (r *Registry) Attach(key string, q *Queue) {
	r.mu.Lock()
	r.subscriptions[key] = append(r.subscriptions[key], q)
	n := r.totalLocked()
	r.mu.Unlock()

	r.metrics.setSubscribers(n)
}

// Detach removes q from key's subscribers. The entry is deleted when its
// last queue leaves so that Keys never reports an empty subscription.
func (r *Registry) Detach(key string, q *Queue) {
	r.mu.Lock()
	queues := r.subscriptions[key]
	for i, candidate := range queues {
		if candidate == q {
			queues = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	if len(queues) == 0 {
		delete(r.subscriptions, key)
	} else {
		r.subscriptions[key] = queues
	}
	n := r.totalLocked()
	r.mu.Unlock()

	r.metrics.setSubscribers(n)
}

// Fanout returns a snapshot of the queues subscribed to msgKey under the
// registry's match mode. The snapshot is a copy: concurrent attach/detach
// cannot mutate it, and enqueues happen strictly after the lock is
// released.
func (r *Registry) Fanout(msgKey string) []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case MatchPrefix:
		var keys []string
		for key := range r.subscriptions {
			if len(key) <= len(msgKey) && msgKey[:len(key)] == key {
				keys = append(keys, key)
			}
		}
		// Sorted for deterministic fanout order across keys.
		sort.Strings(keys)
		var snapshot []*Queue
		for _, key := range keys {
			snapshot = append(snapshot, r.subscriptions[key]...)
		}
		return snapshot
	default:
		queues := r.subscriptions[msgKey]
		if len(queues) == 0 {
			return nil
		}
		snapshot := make([]*Queue, len(queues))
		copy(snapshot, queues)
		return snapshot
	}
}

// Keys returns a sorted snapshot of the currently subscribed keys.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.subscriptions))
	for key := range r.subscriptions {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Len reports the total number of attached queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked()
}

func (r *Registry) totalLocked() int {
	n := 0
	for _, queues := range r.subscriptions {
		n += len(queues)
	}
	return n
}
