package chunkstore

import (
	"testing"
)

func TestStoreAddAndSample(t *testing.T) {
	s := New[string]()
	s.Add(1, "chunk-a")
	s.Add(1, "chunk-b")
	s.Add(2, "chunk-c")

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	got, ok := s.Sample(1, func(n int) int { return 0 })
	if !ok || got != "chunk-a" {
		t.Errorf("Sample(1) = %q, %v, want chunk-a, true", got, ok)
	}
	got, ok = s.Sample(1, func(n int) int { return n - 1 })
	if !ok || got != "chunk-b" {
		t.Errorf("Sample(1) last = %q, %v, want chunk-b, true", got, ok)
	}
	if _, ok := s.Sample(99, func(n int) int { return 0 }); ok {
		t.Errorf("Sample for missing nterm should return false")
	}
}

func TestWrapperWriteThenRead(t *testing.T) {
	w := NewWrapper[int]()
	w.WithWriteLock(func(s *Store[int]) {
		s.Add(7, 42)
	})
	var got int
	var ok bool
	w.WithReadLock(func(s *Store[int]) {
		got, ok = s.Sample(7, func(n int) int { return 0 })
	})
	if !ok || got != 42 {
		t.Errorf("got %d, %v, want 42, true", got, ok)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
}
