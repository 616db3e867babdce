// Package notify provides an in-process bus announcing committed rows to
// live watchers.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event announces one committed row.
type Event struct {
	RequestID  string `json:"request_id"`
	Store      string `json:"store"`
	Table      string `json:"table"`
	RowID      int64  `json:"row_id"`
	Created    bool   `json:"created"`
	ReceivedAt string `json:"received_at"`
}

// Topic is the key subscriptions filter on: "<store>/<table>".
func (e Event) Topic() string {
	return Topic(e.Store, e.Table)
}

// Topic builds a topic or, with an empty table, the prefix of every topic in
// store.
func Topic(store, table string) string {
	return store + "/" + table
}

// Notifier fans events out to subscribers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
	dropped     atomic.Int64
	closed      atomic.Bool
}

// NewNotifier creates a notifier whose subscriptions buffer bufferSize
// events each.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscription receives the events matching its filters on C until it is
// removed or the notifier closes.
type Subscription struct {
	ID      string
	Filters []string

	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publish sends ev to every matching subscriber. It never blocks: a
// subscriber whose buffer is full misses the event.
func (n *Notifier) Publish(ev Event) {
	topic := ev.Topic()
	n.subscribers.Range(func(_, value any) bool {
		sub := value.(*Subscription)
		if matches(sub.Filters, topic) && !sub.send(ev) {
			n.dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers a subscription. A filter ending in "/" matches every
// topic it prefixes; any other filter matches one topic. No filters match
// every topic.
func (n *Notifier) Subscribe(filters ...string) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Filters: filters,
		ch:      make(chan Event, n.bufferSize),
	}
	if n.closed.Load() {
		sub.close()
		return sub
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if value, ok := n.subscribers.LoadAndDelete(sub.ID); ok {
		value.(*Subscription).close()
	}
}

// Subscribers returns the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	count := 0
	n.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close ends every subscription. Later subscriptions are closed at once.
func (n *Notifier) Close() error {
	n.closed.Store(true)
	n.subscribers.Range(func(key, value any) bool {
		n.subscribers.Delete(key)
		value.(*Subscription).close()
		return true
	})
	return nil
}

func matches(filters []string, topic string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		switch {
		case filter == "" || filter == topic:
			return true
		case strings.HasSuffix(filter, "/") && strings.HasPrefix(topic, filter):
			return true
		}
	}
	return false
}
