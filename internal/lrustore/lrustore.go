// Package lrustore implements a fixed-capacity, in-process LRU store with
// per-entry expiry.
//
// Entries live in an arena slice and link to each other by slot index rather
// than by pointer. Slots 0 and 1 are the head and tail sentinels: head.next is
// the most recently used entry, tail.prev the least recently used one.
package lrustore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidCapacity is returned by New for a capacity below one.
var ErrInvalidCapacity = errors.New("lrustore: capacity must be positive")

const (
	headSlot int32 = 0
	tailSlot int32 = 1
	nilSlot  int32 = -1
)

// entry is a single cached record.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	hasExpiry bool

	prev int32
	next int32
}

func (e *entry) expired(now time.Time) bool {
	return e.hasExpiry && !e.expiresAt.After(now)
}

// Store is a concurrency-safe LRU store. All operations are O(1) except Sweep
// and Keys.
type Store struct {
	mu sync.Mutex

	capacity int
	index    map[string]int32
	slots    []entry
	free     []int32

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store holding at most capacity entries.
func New(capacity int, opts ...Option) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	s := &Store{
		capacity: capacity,
		index:    make(map[string]int32, capacity),
		slots:    make([]entry, 2, capacity+2),
		now:      time.Now,
	}
	s.slots[headSlot] = entry{prev: nilSlot, next: tailSlot}
	s.slots[tailSlot] = entry{prev: headSlot, next: nilSlot}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a copy of the value stored under key and promotes the entry to
// most recently used. Expired entries are removed and reported as missing.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.index[key]
	if !ok {
		return nil, false
	}
	e := &s.slots[slot]
	if e.expired(s.now()) {
		s.removeLocked(slot)
		return nil, false
	}

	s.moveToFrontLocked(slot)
	return cloneBytes(e.value), true
}

// Remaining returns how long the entry under key has left to live. The
// boolean is false when the key is absent, expired or has no expiry.
// Remaining does not affect recency.
func (s *Store) Remaining(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.index[key]
	if !ok {
		return 0, false
	}
	e := &s.slots[slot]
	now := s.now()
	if !e.hasExpiry || e.expired(now) {
		return 0, false
	}
	return e.expiresAt.Sub(now), true
}

// Put stores value under key. A ttl of zero means the entry never expires.
// When the insert pushes the store over capacity the least recently used
// entry is evicted and its key returned.
func (s *Store) Put(key string, value []byte, ttl time.Duration) (evicted string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	hasExpiry := ttl > 0
	if hasExpiry {
		expiresAt = s.now().Add(ttl)
	}

	if slot, exists := s.index[key]; exists {
		e := &s.slots[slot]
		e.value = cloneBytes(value)
		e.expiresAt = expiresAt
		e.hasExpiry = hasExpiry
		s.moveToFrontLocked(slot)
		return "", false
	}

	if len(s.index) >= s.capacity {
		victim := s.slots[tailSlot].prev
		if victim == headSlot {
			panic(fmt.Sprintf("lrustore: index holds %d entries but list is empty", len(s.index)))
		}
		evicted, ok = s.slots[victim].key, true
		s.removeLocked(victim)
	}

	slot := s.allocLocked()
	s.slots[slot] = entry{
		key:       key,
		value:     cloneBytes(value),
		expiresAt: expiresAt,
		hasExpiry: hasExpiry,
	}
	s.index[key] = slot
	s.pushFrontLocked(slot)
	return evicted, ok
}

// Delete removes key. It reports whether the key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.index[key]
	if !ok {
		return false
	}
	s.removeLocked(slot)
	return true
}

// Sweep removes every expired entry and returns their keys.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for slot := s.slots[headSlot].next; slot != tailSlot; {
		next := s.slots[slot].next
		if s.slots[slot].expired(now) {
			removed = append(removed, s.slots[slot].key)
			s.removeLocked(slot)
		}
		slot = next
	}
	return removed
}

// Purge removes all entries.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.index)
	s.slots = s.slots[:2]
	s.slots[headSlot] = entry{prev: nilSlot, next: tailSlot}
	s.slots[tailSlot] = entry{prev: headSlot, next: nilSlot}
	s.free = s.free[:0]
}

// Len returns the number of stored entries, including expired entries that
// have not been observed yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Cap returns the capacity fixed at construction.
func (s *Store) Cap() int {
	return s.capacity
}

// Keys returns keys in MRU -> LRU order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.index))
	for slot := s.slots[headSlot].next; slot != tailSlot; slot = s.slots[slot].next {
		out = append(out, s.slots[slot].key)
	}
	if len(out) != len(s.index) {
		panic(fmt.Sprintf("lrustore: list holds %d entries, index %d", len(out), len(s.index)))
	}
	return out
}

func (s *Store) allocLocked() int32 {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	s.slots = append(s.slots, entry{})
	return int32(len(s.slots) - 1)
}

func (s *Store) pushFrontLocked(slot int32) {
	first := s.slots[headSlot].next
	s.slots[slot].prev = headSlot
	s.slots[slot].next = first
	s.slots[first].prev = slot
	s.slots[headSlot].next = slot
}

func (s *Store) unlinkLocked(slot int32) {
	e := &s.slots[slot]
	if e.prev == nilSlot || e.next == nilSlot {
		panic(fmt.Sprintf("lrustore: entry %q is not linked", e.key))
	}
	s.slots[e.prev].next = e.next
	s.slots[e.next].prev = e.prev
	e.prev, e.next = nilSlot, nilSlot
}

func (s *Store) moveToFrontLocked(slot int32) {
	if s.slots[headSlot].next == slot {
		return
	}
	s.unlinkLocked(slot)
	s.pushFrontLocked(slot)
}

func (s *Store) removeLocked(slot int32) {
	key := s.slots[slot].key
	if got, ok := s.index[key]; !ok || got != slot {
		panic(fmt.Sprintf("lrustore: index out of sync for %q", key))
	}
	s.unlinkLocked(slot)
	delete(s.index, key)
	s.slots[slot] = entry{prev: nilSlot, next: nilSlot}
	s.free = append(s.free, slot)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
