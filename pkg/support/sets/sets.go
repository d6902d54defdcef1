// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets has a generic Set, used to track which executables hold fresh copies of a buffer.
//
// A nil Set can be read (Has, Len, Remove) but not inserted into.
package sets

// Set of comparable keys.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set with room for capacity keys.
func Make[T comparable](capacity int) Set[T] {
	return make(Set[T], capacity)
}

// Of returns a Set with the given keys.
func Of[T comparable](keys ...T) Set[T] {
	s := Make[T](len(keys))
	for _, key := range keys {
		s.Insert(key)
	}
	return s
}

// Has reports whether key is in s.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Len is the number of keys in s.
func (s Set[T]) Len() int { return len(s) }

// Insert adds key to s and reports whether it was not there yet.
func (s Set[T]) Insert(key T) bool {
	if s.Has(key) {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Remove drops key from s and reports whether it was there.
func (s Set[T]) Remove(key T) bool {
	if !s.Has(key) {
		return false
	}
	delete(s, key)
	return true
}
