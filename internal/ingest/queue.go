package ingest

import "sync"

// ActionKind tags an Action.
type ActionKind uint8

const (
	ActionWrite ActionKind = iota + 1
	ActionFlush
)

func (k ActionKind) String() string {
	switch k {
	case ActionWrite:
		return "write"
	case ActionFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Action is a unit of work for the storage worker: persist Entry, or flush.
type Action struct {
	Kind  ActionKind
	Entry LogEntry
}

// actionQueue is an unbounded many-writer single-reader FIFO with a one slot
// wake signal. Pushes never block.
type actionQueue struct {
	mu     sync.Mutex
	items  []Action
	signal chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{
		items:  make([]Action, 0, 64),
		signal: make(chan struct{}, 1), // Buffered so push doesn't block
	}
}

// push appends act and wakes the consumer.
func (q *actionQueue) push(act Action) {
	q.mu.Lock()
	q.items = append(q.items, act)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
		// a wake up is already pending
	}
}

// pop removes the oldest action.
func (q *actionQueue) pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Action{}, false
	}

	act := q.items[0]
	q.items[0] = Action{}
	q.items = q.items[1:]

	// release the backing array once drained so a burst doesn't pin memory
	if len(q.items) == 0 {
		q.items = make([]Action, 0, 64)
	}

	return act, true
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
