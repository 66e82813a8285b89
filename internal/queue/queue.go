// Package queue orders queued download ids by priority. The queue decides
// which download starts next whenever a concurrency slot opens up.
package queue

import "sync"

type entry struct {
	id       string
	priority int
}

// Queue is a priority-ordered list of download ids. Higher priority pops
// first; ids with equal priority keep their arrival order. All methods are
// safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push adds id with the given priority. A duplicate id updates the
// priority instead of adding a second entry.
func (q *Queue) Push(id string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.index(id); i >= 0 {
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
	}
	q.insert(entry{id: id, priority: priority})
}

// Pop removes and returns the head of the queue. The second return value
// is false when the queue is empty.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return "", false
	}
	id := q.entries[0].id
	q.entries = q.entries[1:]
	return id, true
}

// Remove deletes id from the queue. It reports whether the id was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

// SetPriority repositions id according to its new priority. The entry is
// placed after existing entries of the same priority, as if freshly pushed.
func (q *Queue) SetPriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.insert(entry{id: id, priority: priority})
	return true
}

// MoveUp swaps id with its predecessor.
func (q *Queue) MoveUp(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i <= 0 {
		return false
	}
	q.entries[i-1], q.entries[i] = q.entries[i], q.entries[i-1]
	return true
}

// MoveDown swaps id with its successor.
func (q *Queue) MoveDown(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 || i == len(q.entries)-1 {
		return false
	}
	q.entries[i], q.entries[i+1] = q.entries[i+1], q.entries[i]
	return true
}

// MoveToTop makes id the next entry to pop.
func (q *Queue) MoveToTop(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return false
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.entries = append([]entry{e}, q.entries...)
	return true
}

// MoveToBottom pushes id behind every other entry.
func (q *Queue) MoveToBottom(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return false
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.entries = append(q.entries, e)
	return true
}

// Position returns the zero-based position of id, or -1 when absent.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index(id)
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IDs returns the queued ids in pop order.
func (q *Queue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.id
	}
	return ids
}

// insert places e before the first entry with strictly lower priority,
// keeping arrival order within equal priorities. Caller holds q.mu.
func (q *Queue) insert(e entry) {
	at := len(q.entries)
	for i, cur := range q.entries {
		if cur.priority < e.priority {
			at = i
			break
		}
	}
	q.entries = append(q.entries, entry{})
	copy(q.entries[at+1:], q.entries[at:])
	q.entries[at] = e
}

// index returns the position of id, or -1. Caller holds q.mu.
func (q *Queue) index(id string) int {
	for i, e := range q.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}
