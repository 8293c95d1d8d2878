package store

import "sync"

// EventKind classifies a store change notification.
type EventKind string

const (
	EventFoldersChanged  EventKind = "folders_changed"
	EventMessagesChanged EventKind = "messages_changed"
	EventOutgoingChanged EventKind = "outgoing_changed"
)

// Event is one change notification delivered to subscribers.
type Event struct {
	Kind      EventKind
	AccountID string

	// FolderPath is set for message-level events.
	FolderPath string
}

// EventScope filters which events a subscriber receives. Zero values
// match everything: an empty AccountID subscribes to all accounts, an
// empty FolderPath to all folders of the matched accounts.
type EventScope struct {
	AccountID  string
	FolderPath string
}

func (s EventScope) matches(ev Event) bool {
	if s.AccountID != "" && s.AccountID != ev.AccountID {
		return false
	}
	if s.FolderPath != "" && ev.FolderPath != "" && s.FolderPath != ev.FolderPath {
		return false
	}
	return true
}

// Subscription is a registered change listener. Events arrive on C.
// Delivery is best-effort: a subscriber that falls behind misses events
// rather than blocking store writers, so consumers should treat an event
// as "something changed, re-read" rather than a delta.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	scope EventScope
	id    int
}

// hub fans out store change events to subscribers.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func newHub() *hub {
	return &hub{subs: make(map[int]*Subscription)}
}

func (h *hub) subscribe(scope EventScope) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	sub := &Subscription{C: ch, ch: ch, scope: scope, id: h.nextID}
	h.nextID++
	h.subs[sub.id] = sub
	return sub
}

func (h *hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// publish delivers ev to every matching subscriber without blocking.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.scope.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
