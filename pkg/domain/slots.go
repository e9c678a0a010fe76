package domain

import "sort"

// SlotID names a piece of pipeline state.
type SlotID string

// StageID identifies a stage within a plan.
type StageID string

// Slots maps slot names to values. The engine inspects names only.
type Slots map[SlotID]any

// Keys returns the slot names in sorted order.
func (s Slots) Keys() []SlotID {
	keys := make([]SlotID, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortSlots(keys)
	return keys
}

// Clone returns a shallow copy.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Snapshot is a read-only view of slots taken at one point in a run.
// Writes to the source map after the snapshot was taken are not visible.
type Snapshot struct {
	values map[SlotID]any
}

// NewSnapshot copies src into a new Snapshot.
func NewSnapshot(src Slots) Snapshot {
	values := make(map[SlotID]any, len(src))
	for k, v := range src {
		values[k] = v
	}
	return Snapshot{values: values}
}

// Get returns the value stored under id.
func (s Snapshot) Get(id SlotID) (any, bool) {
	v, ok := s.values[id]
	return v, ok
}

// Has reports whether id is present.
func (s Snapshot) Has(id SlotID) bool {
	_, ok := s.values[id]
	return ok
}

// Len returns the number of slots.
func (s Snapshot) Len() int { return len(s.values) }

// Keys returns the slot names in sorted order.
func (s Snapshot) Keys() []SlotID {
	return Slots(s.values).Keys()
}

// ToMap returns a mutable copy.
func (s Snapshot) ToMap() Slots {
	return Slots(s.values).Clone()
}

// Key is a typed handle for one slot.
type Key[T any] struct {
	id SlotID
}

// NewKey returns a typed key for the named slot.
func NewKey[T any](id SlotID) Key[T] {
	return Key[T]{id: id}
}

// ID returns the slot name.
func (k Key[T]) ID() SlotID { return k.id }

// From reads the slot from a snapshot. It returns false when the slot is
// absent or holds a value of another type.
func (k Key[T]) From(s Snapshot) (T, bool) {
	v, ok := s.values[k.id]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Of reads the slot from a slot map.
func (k Key[T]) Of(s Slots) (T, bool) {
	v, ok := s[k.id]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Put stores v under the key.
func (k Key[T]) Put(s Slots, v T) {
	s[k.id] = v
}

// SortSlots sorts ids in place.
func SortSlots(ids []SlotID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// SortStages sorts ids in place.
func SortStages(ids []StageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
