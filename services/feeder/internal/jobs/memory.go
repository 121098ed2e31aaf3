package jobs

import (
	"container/heap"
	"context"
	"sync"
)

// MemoryTransport keeps jobs in-process, highest priority first,
// FIFO within a priority.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[Queue]*pending
	seq    uint64
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{queues: make(map[Queue]*pending)}
}

type item struct {
	job *Job
	seq uint64
}

type jobHeap []item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

type pending struct {
	items  jobHeap
	notify chan struct{}
}

func (m *MemoryTransport) queue(q Queue) *pending {
	p, ok := m.queues[q]
	if !ok {
		p = &pending{notify: make(chan struct{}, 1)}
		m.queues[q] = p
	}
	return p
}

func (m *MemoryTransport) Send(_ context.Context, job *Job) error {
	m.mu.Lock()
	p := m.queue(job.Queue)
	m.seq++
	heap.Push(&p.items, item{job: job, seq: m.seq})
	m.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of jobs waiting in q.
func (m *MemoryTransport) Len(q Queue) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue(q).items.Len()
}

// Pop removes the next job of q without delivering it; nil if empty.
func (m *MemoryTransport) Pop(q Queue) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.queue(q)
	if p.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.items).(item).job
}

func (m *MemoryTransport) Receive(ctx context.Context, q Queue, deliver func(ctx context.Context, job *Job) error) error {
	m.mu.Lock()
	p := m.queue(q)
	m.mu.Unlock()
	for {
		if job := m.Pop(q); job != nil {
			if err := deliver(ctx, job); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.notify:
		}
	}
}

func (m *MemoryTransport) Close() error { return nil }
