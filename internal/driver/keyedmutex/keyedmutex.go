/*
Copyright 2024 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keyedmutex provides a lazily instantiated map of per-key mutexes,
// guarded by a single coarse mutex on the map itself. It is used to
// serialize operations that share an identifier (a volume id, or a
// resolver content key) without requiring a lock per possible key up
// front.
package keyedmutex

import "sync"

// Map is a lazily populated set of mutexes keyed by an arbitrary
// comparable value. The zero value is ready to use.
//
// Entries are refcounted and pruned once their last holder releases them,
// so the map does not grow without bound across the lifetime of a long
// running process. If the function returned by Lock is never called,
// the key's entry is never pruned and its mutex stays held, so every
// later Lock of the same key blocks; other keys are unaffected.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

// Lock blocks until the mutex for key is held, and returns an Unlock
// function that releases it. Callers must call the returned function
// exactly once.
func (m *Map[K]) Lock(key K) func() {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[K]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refcount++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refcount--
		if e.refcount == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}
