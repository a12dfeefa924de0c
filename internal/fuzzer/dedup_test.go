package fuzzer

import "testing"

func TestDedupRingSeenOrAdd(t *testing.T) {
	d := newDedupRing(2)

	if d.SeenOrAdd("a") {
		t.Error("SeenOrAdd(a) first time should report false")
	}
	if !d.SeenOrAdd("a") {
		t.Error("SeenOrAdd(a) second time should report true")
	}
	if d.SeenOrAdd("b") {
		t.Error("SeenOrAdd(b) first time should report false")
	}

	// Ring is now full at capacity 2 with [a, b]; adding c evicts a.
	if d.SeenOrAdd("c") {
		t.Error("SeenOrAdd(c) first time should report false")
	}
	if !d.SeenOrAdd("b") {
		t.Error("b should still be present")
	}
	if d.SeenOrAdd("a") {
		t.Error("a should have been evicted and reports false again")
	}
}
