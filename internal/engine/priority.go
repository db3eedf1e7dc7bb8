package engine

import (
	"container/heap"
	"time"
)

// defaultEstimate is assumed for units that never ran
const defaultEstimate = time.Second

// PriorityEngine ranks ready units by the longest estimated chain of work
// that still depends on them, so long critical paths start first
type PriorityEngine struct {
	graph     *Graph
	estimates map[string]time.Duration
	priority  map[string]time.Duration
}

// NewPriorityEngine computes priorities for every unit in g. estimates
// holds last known durations; missing units use a default.
func NewPriorityEngine(g *Graph, estimates map[string]time.Duration) *PriorityEngine {
	e := &PriorityEngine{
		graph:     g,
		estimates: estimates,
		priority:  make(map[string]time.Duration, g.Len()),
	}

	order := g.Order()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		var longest time.Duration
		for _, next := range g.Successors(id) {
			if p := e.priority[next]; p > longest {
				longest = p
			}
		}
		e.priority[id] = e.estimate(id) + longest
	}
	return e
}

func (e *PriorityEngine) estimate(id string) time.Duration {
	if d, ok := e.estimates[id]; ok && d > 0 {
		return d
	}
	return defaultEstimate
}

// Priority returns the critical path length starting at id
func (e *PriorityEngine) Priority(id string) time.Duration {
	return e.priority[id]
}

// readyQueue is a max-heap of unit ids by priority, ties broken by id
type readyQueue struct {
	ids      []string
	priority func(string) time.Duration
}

func newReadyQueue(p *PriorityEngine) *readyQueue {
	return &readyQueue{priority: p.Priority}
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	pi, pj := q.priority(q.ids[i]), q.priority(q.ids[j])
	if pi != pj {
		return pi > pj
	}
	return q.ids[i] < q.ids[j]
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x interface{}) { q.ids = append(q.ids, x.(string)) }

func (q *readyQueue) Pop() interface{} {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return id
}

func (q *readyQueue) push(id string) { heap.Push(q, id) }

func (q *readyQueue) pop() string { return heap.Pop(q).(string) }

// drain empties the queue, returning the ids it held
func (q *readyQueue) drain() []string {
	ids := q.ids
	q.ids = nil
	return ids
}
