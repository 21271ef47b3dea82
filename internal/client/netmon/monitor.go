// Package netmon reports network reachability transitions to the sync client.
package netmon

import "sync"

// Monitor reports whether the server is reachable and notifies on changes.
type Monitor interface {
	Connected() bool
	// Subscribe returns a channel that receives the latest reachability after
	// every transition, and a function that stops delivery.
	Subscribe() (<-chan bool, func())
}

// notifier holds the current reachability and fans transitions out to subscribers.
// Each subscriber channel holds only the most recent value.
type notifier struct {
	mu          sync.Mutex
	connected   bool
	subscribers map[int]chan bool
	nextID      int
}

func newNotifier(initial bool) *notifier {
	return &notifier{connected: initial, subscribers: make(map[int]chan bool)}
}

func (n *notifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *notifier) Subscribe() (<-chan bool, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	updates := make(chan bool, 1)
	n.subscribers[id] = updates

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subscribers, id)
			close(updates)
		})
	}
	return updates, cancel
}

// set records the new value and reports whether it was a transition.
func (n *notifier) set(connected bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.connected == connected {
		return false
	}
	n.connected = connected
	for _, updates := range n.subscribers {
		select {
		case <-updates:
		default:
		}
		updates <- connected
	}
	return true
}

// Manual is a monitor whose reachability is set by the caller, used for
// forced offline mode and tests.
type Manual struct {
	*notifier
}

func NewManual(connected bool) *Manual {
	return &Manual{notifier: newNotifier(connected)}
}

// Set changes reachability and notifies subscribers on a transition.
func (m *Manual) Set(connected bool) {
	m.set(connected)
}
