package engine

// queue is the FIFO waiting queue. A session id appears at most once; Push
// on a present id is a no-op. Only the engine goroutine touches it.
type queue struct {
	ids     []string
	present map[string]bool
}

func newQueue() *queue {
	return &queue{present: make(map[string]bool)}
}

// Push appends an id to the tail unless it is already queued. Reports
// whether the id was added.
func (q *queue) Push(id string) bool {
	if q.present[id] {
		return false
	}
	q.ids = append(q.ids, id)
	q.present[id] = true
	return true
}

// Pop removes and returns the head id. ok is false on an empty queue.
func (q *queue) Pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.present, id)
	return id, true
}

// Remove deletes an id from anywhere in the queue.
func (q *queue) Remove(id string) {
	if !q.present[id] {
		return
	}
	for i, qid := range q.ids {
		if qid == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	delete(q.present, id)
}

// Contains reports whether the id is queued.
func (q *queue) Contains(id string) bool {
	return q.present[id]
}

// Len reports the queue length.
func (q *queue) Len() int {
	return len(q.ids)
}
