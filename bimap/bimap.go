// Package bimap implements a bidirectional map, used to translate between
// Home Assistant values and AirControlBase device values.
package bimap

import "sync"

// BiMap is a bidirectional map. Both keys and values must be comparable.
type BiMap struct {
	s         sync.RWMutex
	immutable bool
	forward   map[interface{}]interface{}
	inverse   map[interface{}]interface{}
}

// NewBiMap returns an empty, mutable BiMap
func NewBiMap() *BiMap {
	return &BiMap{forward: make(map[interface{}]interface{}), inverse: make(map[interface{}]interface{})}
}

// New returns an immutable BiMap loaded with the given forward mapping
func New(forward map[interface{}]interface{}) *BiMap {
	b := NewBiMap()
	for k, v := range forward {
		b.Insert(k, v)
	}
	b.MakeImmutable()
	return b
}

// Insert puts a key and value into the BiMap, replacing any previous pair
// sharing the key or the value.
func (b *BiMap) Insert(k interface{}, v interface{}) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	if old, ok := b.forward[k]; ok {
		delete(b.inverse, old)
	}
	if old, ok := b.inverse[v]; ok {
		delete(b.forward, old)
	}
	b.forward[k] = v
	b.inverse[v] = k
}

// Exists checks whether or not a key exists in the BiMap
func (b *BiMap) Exists(k interface{}) bool {
	b.s.RLock()
	defer b.s.RUnlock()
	_, ok := b.forward[k]
	return ok
}

// ExistsInverse checks whether or not a value exists in the BiMap
func (b *BiMap) ExistsInverse(k interface{}) bool {
	b.s.RLock()
	defer b.s.RUnlock()
	_, ok := b.inverse[k]
	return ok
}

// Get returns the value for a given key
func (b *BiMap) Get(k interface{}) (interface{}, bool) {
	b.s.RLock()
	defer b.s.RUnlock()
	v, ok := b.forward[k]
	return v, ok
}

// GetInverse returns the key for a given value
func (b *BiMap) GetInverse(v interface{}) (interface{}, bool) {
	b.s.RLock()
	defer b.s.RUnlock()
	k, ok := b.inverse[v]
	return k, ok
}

// GetString is Get for maps whose values are strings
func (b *BiMap) GetString(k interface{}) (string, bool) {
	v, ok := b.Get(k)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInverseString is GetInverse for maps whose keys are strings
func (b *BiMap) GetInverseString(v interface{}) (string, bool) {
	k, ok := b.GetInverse(v)
	if !ok {
		return "", false
	}
	s, ok := k.(string)
	return s, ok
}

// Delete removes a key and its value
func (b *BiMap) Delete(k interface{}) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	v, ok := b.forward[k]
	if !ok {
		return
	}
	delete(b.forward, k)
	delete(b.inverse, v)
}

// DeleteInverse removes a value and its key
func (b *BiMap) DeleteInverse(v interface{}) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	k, ok := b.inverse[v]
	if !ok {
		return
	}
	delete(b.inverse, v)
	delete(b.forward, k)
}

// Size returns the number of pairs
func (b *BiMap) Size() int {
	b.s.RLock()
	defer b.s.RUnlock()
	return len(b.forward)
}

// MakeImmutable freezes the BiMap. Mutations panic afterwards.
func (b *BiMap) MakeImmutable() {
	b.s.Lock()
	defer b.s.Unlock()
	b.immutable = true
}

// GetForwardMap returns a copy of the key -> value map
func (b *BiMap) GetForwardMap() map[interface{}]interface{} {
	b.s.RLock()
	defer b.s.RUnlock()
	m := make(map[interface{}]interface{}, len(b.forward))
	for k, v := range b.forward {
		m[k] = v
	}
	return m
}

// GetInverseMap returns a copy of the value -> key map
func (b *BiMap) GetInverseMap() map[interface{}]interface{} {
	b.s.RLock()
	defer b.s.RUnlock()
	m := make(map[interface{}]interface{}, len(b.inverse))
	for k, v := range b.inverse {
		m[k] = v
	}
	return m
}
