package session

import (
	"sync"
	"time"
)

// RefreshedEvent is published after every successful token refresh.
type RefreshedEvent struct {
	AccessToken string
	Expiry      time.Time
}

type subscriber struct {
	id int
	fn func(RefreshedEvent)
}

// Notifier is the "token refreshed" observer list owned by a Manager.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

// Subscribe registers fn and returns a function that removes it.
// Subscribers run synchronously, in subscription order, after the new token
// is stored. They may make authenticated requests of their own.
func (n *Notifier) Subscribe(fn func(RefreshedEvent)) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

func (n *Notifier) publish(ev RefreshedEvent) {
	n.mu.Lock()
	subs := make([]subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
