package sched

import "testing"

func TestContainerAllocateLookup(t *testing.T) {
	var c container[string]

	h1 := c.allocate("first")
	h2 := c.allocate("second")

	if !h1.Valid() || !h2.Valid() {
		t.Fatal("allocated handles should be valid")
	}
	if h1 == h2 {
		t.Fatal("distinct allocations must yield distinct handles")
	}
	if v := c.lookup(h1); v == nil || *v != "first" {
		t.Errorf("lookup(h1) = %v, want first", v)
	}
	if v := c.lookup(h2); v == nil || *v != "second" {
		t.Errorf("lookup(h2) = %v, want second", v)
	}
}

func TestContainerStaleHandle(t *testing.T) {
	var c container[int]

	h := c.allocate(42)
	if !c.release(h) {
		t.Fatal("release of live handle should succeed")
	}
	if c.lookup(h) != nil {
		t.Error("lookup after release should miss")
	}
	if c.release(h) {
		t.Error("double release should fail")
	}

	// The slot is recycled with a bumped generation; the old handle
	// must keep missing.
	h2 := c.allocate(7)
	if h2.idx != h.idx {
		t.Fatalf("expected slot reuse, got idx %d want %d", h2.idx, h.idx)
	}
	if h2.gen == h.gen {
		t.Error("recycled slot must carry a new generation")
	}
	if c.lookup(h) != nil {
		t.Error("stale handle resolved after slot reuse")
	}
	if v := c.lookup(h2); v == nil || *v != 7 {
		t.Errorf("lookup(h2) = %v, want 7", v)
	}
}

func TestContainerZeroHandleInvalid(t *testing.T) {
	var c container[int]
	var zero Handle

	if zero.Valid() {
		t.Error("zero handle should be invalid")
	}
	if c.lookup(zero) != nil {
		t.Error("zero handle should not resolve")
	}
}

func TestContainerForEach(t *testing.T) {
	var c container[int]
	a := c.allocate(1)
	c.allocate(2)
	c.release(a)

	var seen []int
	c.forEach(func(h Handle, v *int) { seen = append(seen, *v) })
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("forEach visited %v, want [2]", seen)
	}
}
