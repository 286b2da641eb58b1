// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistrySetGetDelete(t *testing.T) {
	r := NewShardedRegistry()

	if r.Get("alice") != nil {
		t.Error("Get on empty registry should return nil")
	}

	s := New("sess-1", testOptions())
	r.Set("alice", s)

	if got := r.Get("alice"); got != s {
		t.Error("Get should return the stored session")
	}
	if r.Count() != 1 {
		t.Errorf("Count: got %d, want 1", r.Count())
	}

	// Rebinding the same name does not change the count.
	s2 := New("sess-2", testOptions())
	r.Set("alice", s2)
	if r.Count() != 1 {
		t.Errorf("Count after rebind: got %d, want 1", r.Count())
	}
	if got := r.Get("alice"); got != s2 {
		t.Error("Get should return the replacement session")
	}

	if !r.Delete("alice") {
		t.Error("Delete should return true for a bound name")
	}
	if r.Delete("alice") {
		t.Error("Delete should return false for an unbound name")
	}
	if r.Count() != 0 {
		t.Errorf("Count after delete: got %d, want 0", r.Count())
	}
}

func TestRegistryCaseSensitiveNames(t *testing.T) {
	r := NewShardedRegistry()

	r.Set("Alice", New("sess-1", testOptions()))

	if r.Get("alice") != nil {
		t.Error("Names differing in case are distinct bindings")
	}
	if r.Get("Alice") == nil {
		t.Error("Exact-case lookup should succeed")
	}
}

func TestRegistryForEach(t *testing.T) {
	r := NewShardedRegistry()
	for i := 0; i < 5; i++ {
		r.Set(fmt.Sprintf("client-%d", i), New(fmt.Sprintf("sess-%d", i), testOptions()))
	}

	seen := 0
	r.ForEach(func(s *Session) {
		seen++
	})
	if seen != 5 {
		t.Errorf("ForEach visited %d sessions, want 5", seen)
	}
}

func TestRegistryConnectedCount(t *testing.T) {
	r := NewShardedRegistry()

	live := New("sess-1", testOptions())
	live.Connect("alice", newMockConn())
	r.Set("alice", live)

	pending := New("sess-2", testOptions())
	pending.Connect("bob", newMockConn())
	pending.MarkLost()
	r.Set("bob", pending)

	if r.Count() != 2 {
		t.Errorf("Count: got %d, want 2", r.Count())
	}
	if r.ConnectedCount() != 1 {
		t.Errorf("ConnectedCount: got %d, want 1", r.ConnectedCount())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewShardedRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("client-%d", n)
			r.Set(name, New(name, testOptions()))
			r.Get(name)
			r.ForEach(func(*Session) {})
		}(i)
	}
	wg.Wait()

	if r.Count() != 32 {
		t.Errorf("Count: got %d, want 32", r.Count())
	}
}
