// Package sched orders pending program invocations. A policy decides
// admission and dequeue order only; it never changes what an admitted
// invocation does.
package sched

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
)

var (
	ErrQueueFull     = errors.New("sched: queue full")
	ErrUnknownPolicy = errors.New("sched: unknown policy")
)

// Invocation is one pending program run.
type Invocation struct {
	Program   types.ProgramID
	Context   []byte
	Timestamp uint64
	// Deadline is the absolute time by which the run should start.
	// Only the deadline policy reads it.
	Deadline uint64
}

// Policy admits and orders invocations.
type Policy interface {
	Submit(inv Invocation) error
	Next() (Invocation, bool)
	Len() int
}

// Config sizes a policy.
type Config struct {
	// Capacity bounds the number of queued invocations.
	Capacity int
}

// DefaultConfig returns the sizing used when none is given.
func DefaultConfig() Config {
	return Config{Capacity: 1024}
}

// New builds the named policy. Names follow the profile's scheduler
// field: "throughput" or "deadline".
func New(name string, cfg Config) (Policy, error) {
	if cfg.Capacity <= 0 {
		cfg = DefaultConfig()
	}
	switch name {
	case "throughput":
		return NewThroughput(cfg), nil
	case "deadline":
		return NewDeadline(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Throughput is a bounded FIFO: invocations run in arrival order.
type Throughput struct {
	mu    sync.Mutex
	queue []Invocation
	cap   int
}

func NewThroughput(cfg Config) *Throughput {
	return &Throughput{cap: cfg.Capacity}
}

func (t *Throughput) Submit(inv Invocation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= t.cap {
		return ErrQueueFull
	}
	t.queue = append(t.queue, inv)
	return nil
}

func (t *Throughput) Next() (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return Invocation{}, false
	}
	inv := t.queue[0]
	t.queue = t.queue[1:]
	if len(t.queue) == 0 {
		t.queue = nil
	}
	return inv, true
}

func (t *Throughput) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Deadline dequeues the earliest absolute deadline first. Ties break
// on submission order so equal deadlines stay FIFO.
type Deadline struct {
	mu  sync.Mutex
	h   deadlineHeap
	cap int
	seq uint64
}

func NewDeadline(cfg Config) *Deadline {
	return &Deadline{cap: cfg.Capacity}
}

func (d *Deadline) Submit(inv Invocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h.Len() >= d.cap {
		return ErrQueueFull
	}
	d.seq++
	heap.Push(&d.h, deadlineItem{inv: inv, seq: d.seq})
	return nil
}

func (d *Deadline) Next() (Invocation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h.Len() == 0 {
		return Invocation{}, false
	}
	item := heap.Pop(&d.h).(deadlineItem)
	return item.inv, true
}

func (d *Deadline) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h.Len()
}

type deadlineItem struct {
	inv Invocation
	seq uint64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].inv.Deadline != h[j].inv.Deadline {
		return h[i].inv.Deadline < h[j].inv.Deadline
	}
	return h[i].seq < h[j].seq
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadlineItem)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
