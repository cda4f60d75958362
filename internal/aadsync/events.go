package aadsync

import (
	"sync"
	"time"
)

const (
	EventRunStarted  = "run.started"
	EventPageFetched = "page.fetched"
	EventRunFinished = "run.finished"
)

// Event is a progress notification for a running sync.
type Event struct {
	Type       string     `json:"type"`
	RunID      string     `json:"runId"`
	Time       time.Time  `json:"time"`
	Page       int        `json:"page,omitempty"`
	Records    int        `json:"records,omitempty"`
	Processed  int        `json:"processed"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Broker fans events out to subscribers. A subscriber that does not keep up
// misses events rather than stalling the sync.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
