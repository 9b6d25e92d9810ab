// Package pool provides an ID-indexed slot map for relay resources.
//
// IDs are 16-bit and allocated lowest-free-first below a caller supplied
// limit. A slot is never handed out again until it has been explicitly
// deallocated.
package pool

import (
	"container/list"
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrPoolFull  = errors.New("no free slot below limit")
	ErrSlotTaken = errors.New("slot already allocated")
)

// MaxSlots is the size of the 16-bit ID space
const MaxSlots = 1 << 16

type slot[T any] struct {
	id uint16
	v  T
}

// Pool maps IDs to values and remembers allocation order.
//
// Occupancy is a bitset, so FirstFree scans a word of 64 IDs at a time.
// Allocation order is a linked list indexed by ID, so Deallocate is O(1).
type Pool[T any] struct {
	used  [MaxSlots / 64]uint64
	items map[uint16]*list.Element
	order *list.List
}

// New creates an empty pool
func New[T any]() *Pool[T] {
	return &Pool[T]{
		items: make(map[uint16]*list.Element),
		order: list.New(),
	}
}

// Allocate stores v under id. It fails if the slot is occupied.
func (p *Pool[T]) Allocate(id uint16, v T) error {
	if p.Allocated(id) {
		return fmt.Errorf("%w: %d", ErrSlotTaken, id)
	}
	p.used[id/64] |= 1 << (id % 64)
	p.items[id] = p.order.PushBack(slot[T]{id: id, v: v})
	return nil
}

// AllocateFirstFree stores v under the lowest free ID below limit
func (p *Pool[T]) AllocateFirstFree(limit int, v T) (uint16, error) {
	id, ok := p.FirstFree(limit)
	if !ok {
		return 0, ErrPoolFull
	}
	return id, p.Allocate(id, v)
}

// FirstFree returns the lowest unallocated ID below limit
func (p *Pool[T]) FirstFree(limit int) (uint16, bool) {
	if limit > MaxSlots {
		limit = MaxSlots
	}
	if len(p.items) >= limit {
		return 0, false
	}
	for w := 0; w*64 < limit; w++ {
		free := ^p.used[w]
		if free == 0 {
			continue
		}
		id := w*64 + bits.TrailingZeros64(free)
		if id >= limit {
			break
		}
		return uint16(id), true
	}
	return 0, false
}

// Get returns the value stored under id
func (p *Pool[T]) Get(id uint16) (T, bool) {
	e, ok := p.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.Value.(slot[T]).v, true
}

// Allocated reports whether id is occupied
func (p *Pool[T]) Allocated(id uint16) bool {
	return p.used[id/64]&(1<<(id%64)) != 0
}

// Deallocate frees id and returns the value it held
func (p *Pool[T]) Deallocate(id uint16) (T, bool) {
	e, ok := p.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(p.items, id)
	p.order.Remove(e)
	p.used[id/64] &^= 1 << (id % 64)
	return e.Value.(slot[T]).v, true
}

// Len returns the number of allocated slots
func (p *Pool[T]) Len() int {
	return len(p.items)
}

// Values returns the allocated values in allocation order
func (p *Pool[T]) Values() []T {
	out := make([]T, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(slot[T]).v)
	}
	return out
}

// Each calls fn for every allocated slot in allocation order until fn
// returns false. fn may deallocate slots, including ones not yet visited.
func (p *Pool[T]) Each(fn func(id uint16, v T) bool) {
	snapshot := make([]*list.Element, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e)
	}
	for _, e := range snapshot {
		s := e.Value.(slot[T])
		if p.items[s.id] != e {
			continue
		}
		if !fn(s.id, s.v) {
			return
		}
	}
}

// Clear frees every slot
func (p *Pool[T]) Clear() {
	clear(p.items)
	clear(p.used[:])
	p.order.Init()
}
