package batch

import (
	"container/heap"
	"time"
)

// Item is one pending request waiting to be batched
type Item struct {
	ID       string
	Type     RequestType
	Payload  interface{}
	Priority int
	Enqueued time.Time
	Retries  int

	seq     uint64
	pending *Pending
}

// priorityQueue orders items by priority (higher first), then arrival order.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*Item))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// typeQueue is the queue for one request type
type typeQueue struct {
	items priorityQueue
}

func (q *typeQueue) push(item *Item) {
	heap.Push(&q.items, item)
}

func (q *typeQueue) len() int {
	return q.items.Len()
}

// oldest returns the enqueue time of the longest-waiting item
func (q *typeQueue) oldest() time.Time {
	var oldest time.Time
	for _, it := range q.items {
		if oldest.IsZero() || it.Enqueued.Before(oldest) {
			oldest = it.Enqueued
		}
	}
	return oldest
}

// snapshot returns the items in dequeue order without removing them
func (q *typeQueue) snapshot() []*Item {
	cp := make(priorityQueue, len(q.items))
	copy(cp, q.items)
	out := make([]*Item, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*Item))
	}
	return out
}

// remove takes the given items out of the queue
func (q *typeQueue) remove(items []*Item) {
	drop := make(map[*Item]bool, len(items))
	for _, it := range items {
		drop[it] = true
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if !drop[it] {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
}
