package messagebus

import (
	"context"
	"sync"
	"time"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/models"
)

// DefaultSeenCapacity bounds the recently-seen id set when no capacity is configured.
const DefaultSeenCapacity = 256

// Inbox is one client's display list. Messages are shown once per id in arrival order and a
// message with a positive duration disappears that many milliseconds after this inbox first
// saw it.
type Inbox struct {
	clock    clock.Clock
	capacity int

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	display   []models.FloatingMessage
	timers    map[string]*clock.Timer
	onChange  func([]models.FloatingMessage)
	closed    bool
}

// NewInbox creates an empty inbox remembering up to capacity recently seen ids.
func NewInbox(clk clock.Clock, capacity int) *Inbox {
	if clk == nil {
		clk = clock.Real()
	}
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &Inbox{
		clock:    clk,
		capacity: capacity,
		seen:     make(map[string]struct{}),
		timers:   make(map[string]*clock.Timer),
	}
}

// OnChange registers fn to receive the display list after every change.
func (i *Inbox) OnChange(fn func([]models.FloatingMessage)) {
	i.mu.Lock()
	i.onChange = fn
	i.mu.Unlock()
}

// Observe adds m unless its id was already seen. It reports whether m was added.
func (i *Inbox) Observe(m models.FloatingMessage) bool {
	i.mu.Lock()
	added := i.observeLocked(m)
	fn, list := i.changedLocked(added)
	i.mu.Unlock()
	notify(fn, list)
	return added
}

// Add shows a message that exists only on this client.
func (i *Inbox) Add(m models.FloatingMessage) bool {
	return i.Observe(m)
}

// Sync observes every message of a queue snapshot in order, then forgets seen ids that have
// left the queue and are no longer displayed.
func (i *Inbox) Sync(queue []models.FloatingMessage) {
	i.mu.Lock()
	changed := false
	present := make(map[string]struct{}, len(queue))
	for _, m := range queue {
		present[m.ID] = struct{}{}
		if i.observeLocked(m) {
			changed = true
		}
	}
	kept := i.seenOrder[:0]
	for _, id := range i.seenOrder {
		_, stored := present[id]
		if stored || i.displayedLocked(id) {
			kept = append(kept, id)
			continue
		}
		delete(i.seen, id)
	}
	i.seenOrder = kept
	fn, list := i.changedLocked(changed)
	i.mu.Unlock()
	notify(fn, list)
}

// Follow feeds queue snapshots into Sync until feed closes or ctx is done. It returns how
// many snapshots it synced.
func (i *Inbox) Follow(ctx context.Context, feed <-chan []models.FloatingMessage) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case queue, ok := <-feed:
			if !ok {
				return n
			}
			i.Sync(queue)
			n++
		}
	}
}

// Dismiss removes a displayed message. Its id stays seen so redelivery does not bring it back.
func (i *Inbox) Dismiss(id string) bool {
	i.mu.Lock()
	removed := i.removeLocked(id)
	fn, list := i.changedLocked(removed)
	i.mu.Unlock()
	notify(fn, list)
	return removed
}

// Messages returns the display list in arrival order.
func (i *Inbox) Messages() []models.FloatingMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.FloatingMessage(nil), i.display...)
}

// Seen reports whether id is in the recently-seen set.
func (i *Inbox) Seen(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[id]
	return ok
}

// Close cancels every pending auto-dismiss and ignores further messages.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	for id, t := range i.timers {
		t.Stop()
		delete(i.timers, id)
	}
	i.onChange = nil
}

func (i *Inbox) observeLocked(m models.FloatingMessage) bool {
	if i.closed || m.ID == "" {
		return false
	}
	if _, ok := i.seen[m.ID]; ok || i.displayedLocked(m.ID) {
		return false
	}
	i.remember(m.ID)
	i.display = append(i.display, m)
	if m.Duration > 0 {
		id := m.ID
		i.timers[id] = i.clock.AfterFunc(time.Duration(min(m.Duration, MaxDuration))*time.Millisecond, func() {
			i.expire(id)
		})
	}
	return true
}

func (i *Inbox) expire(id string) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	removed := i.removeLocked(id)
	fn, list := i.changedLocked(removed)
	i.mu.Unlock()
	notify(fn, list)
}

func (i *Inbox) removeLocked(id string) bool {
	if t, ok := i.timers[id]; ok {
		t.Stop()
		delete(i.timers, id)
	}
	for n, m := range i.display {
		if m.ID == id {
			i.display = append(i.display[:n], i.display[n+1:]...)
			return true
		}
	}
	return false
}

// remember adds id to the seen set, evicting the oldest ids that are not on display once
// the set is over capacity.
func (i *Inbox) remember(id string) {
	i.seen[id] = struct{}{}
	i.seenOrder = append(i.seenOrder, id)
	for n := 0; len(i.seenOrder) > i.capacity && n < len(i.seenOrder); {
		old := i.seenOrder[n]
		if i.displayedLocked(old) {
			n++
			continue
		}
		delete(i.seen, old)
		i.seenOrder = append(i.seenOrder[:n], i.seenOrder[n+1:]...)
	}
}

func (i *Inbox) displayedLocked(id string) bool {
	for _, m := range i.display {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (i *Inbox) changedLocked(changed bool) (func([]models.FloatingMessage), []models.FloatingMessage) {
	if !changed || i.onChange == nil {
		return nil, nil
	}
	return i.onChange, append([]models.FloatingMessage(nil), i.display...)
}

func notify(fn func([]models.FloatingMessage), list []models.FloatingMessage) {
	if fn != nil {
		fn(list)
	}
}
