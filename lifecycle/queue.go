package lifecycle

import (
	"sort"
)

// RequestQueue holds pending requests ordered by priority rank. Each
// insert re-applies a stable sort over the whole queue, so insertion order
// is the tiebreak within a priority tier.
//
// Owned and mutated exclusively by one Manager; not safe for concurrent use.
type RequestQueue struct {
	pending []*Request
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{pending: make([]*Request, 0)}
}

// Enqueue appends a request and restores priority order.
func (q *RequestQueue) Enqueue(req *Request) {
	q.pending = append(q.pending, req)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority.rank() < q.pending[j].Priority.rank()
	})
}

// Dequeue pops the highest-priority request, or nil when the queue is empty.
func (q *RequestQueue) Dequeue() *Request {
	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	return req
}

// Remove deletes the request with the given id, returning it if present.
// A no-op returning nil when the id is unknown (already dispatched or
// completed).
func (q *RequestQueue) Remove(id string) *Request {
	for i, req := range q.pending {
		if req.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return req
		}
	}
	return nil
}

// Len returns the number of pending requests.
func (q *RequestQueue) Len() int {
	return len(q.pending)
}
