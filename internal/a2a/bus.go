package a2a

import (
	"sync"

	plexus "github.com/plexushq/plexus/internal"
)

// subscriber buffer size. Publish never blocks; a subscriber that falls this
// far behind loses events and must resubscribe with afterSequence to catch up.
const subBuffer = 64

// Bus fans task events out to in-process subscribers (SSE handlers). It
// carries only live events; replay comes from the event log in storage.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan *plexus.TaskEvent // task ID -> subscriber set
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan *plexus.TaskEvent)}
}

// Subscribe registers a listener for one task's live events. The returned
// cancel func must be called when the listener goes away; the channel is
// closed either by cancel or when the task reaches a terminal state.
func (b *Bus) Subscribe(taskID string) (<-chan *plexus.TaskEvent, func()) {
	ch := make(chan *plexus.TaskEvent, subBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[int]chan *plexus.TaskEvent)
		b.subs[taskID] = set
	}
	set[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[taskID]
		if !ok {
			return
		}
		if c, live := set[id]; live {
			delete(set, id)
			close(c)
		}
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its task without
// blocking. Full subscriber buffers drop the event.
func (b *Bus) Publish(ev *plexus.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseTask closes all subscriber channels of a task. Called after the final
// status event of a terminal transition has been published.
func (b *Bus) CloseTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[taskID] {
		close(ch)
	}
	delete(b.subs, taskID)
}
