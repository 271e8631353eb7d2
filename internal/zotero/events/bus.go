package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Bus fans outcome records out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the record and a warning is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Outcome
	next   int
	closed bool
	logger *log.Logger
}

// NewBus creates a bus. If logger is nil, a default logger writing to stderr
// is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{subs: make(map[int]chan Outcome), logger: logger}
}

// Subscribe returns a channel receiving every outcome published from now on
// and a function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Outcome, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Outcome, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- o:
		default:
			b.logger.Printf("Warning: subscriber full, dropping %s outcome for %s", o.Kind, o.Library)
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Recorder is a Publisher that keeps every outcome, for tests and one-shot
// commands.
type Recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// Publish implements Publisher.
func (r *Recorder) Publish(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

// Outcomes returns the recorded outcomes in publish order.
func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Last returns the most recent outcome.
func (r *Recorder) Last() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return Outcome{}, false
	}
	return r.outcomes[len(r.outcomes)-1], true
}
