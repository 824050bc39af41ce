package ops

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one captured log line.
type Entry struct {
	Time    time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring retains the most recent log entries in a fixed-size circular buffer
// and fans new entries out to live subscribers. It implements logrus.Hook,
// so every logged line lands here regardless of where it was emitted.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool

	subs    map[int]chan Entry
	nextSub int
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing entries rather than stalling loggers.
const subscriberBuffer = 64

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Ring{
		entries: make([]Entry, capacity),
		subs:    make(map[int]chan Entry),
	}
}

// Levels implements logrus.Hook.
func (r *Ring) Levels() []log.Level { return log.AllLevels }

// Fire implements logrus.Hook.
func (r *Ring) Fire(e *log.Entry) error {
	var entry = Entry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
	}
	if len(e.Data) != 0 {
		entry.Fields = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry.Fields[k] = v
		}
	}
	r.publish(entry)
	return nil
}

func (r *Ring) publish(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	for _, ch := range r.subs {
		select {
		case ch <- entry:
		default: // Drop rather than block.
		}
	}
}

// Recent returns up to limit entries at or above the given severity,
// oldest first. limit <= 0 means no limit.
func (r *Ring) Recent(limit int, level log.Level) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Entry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
	}
	ordered = append(ordered, r.entries[:r.next]...)

	var out []Entry
	for _, e := range ordered {
		if lvl, err := log.ParseLevel(e.Level); err == nil && lvl > level {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a live tail of entries recorded after this call.
// The returned cancel function must be called to release the subscription.
func (r *Ring) Subscribe() (<-chan Entry, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id = r.nextSub
	r.nextSub++
	var ch = make(chan Entry, subscriberBuffer)
	r.subs[id] = ch

	var cancel = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
