package chirp

import "testing"

func TestNewPoolRejectsOutOfRangeSlotCount(t *testing.T) {
	if _, err := newPool(nil, 0); err == nil {
		t.Fatalf("expected error for 0 slots")
	}
	if _, err := newPool(nil, 33); err == nil {
		t.Fatalf("expected error for 33 slots")
	}
	if _, err := newPool(nil, 32); err != nil {
		t.Fatalf("32 slots should be allowed: %v", err)
	}
}

func TestPoolAcquireExhaustionAndRelease(t *testing.T) {
	p, err := newPool(nil, 2)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	s0, ok := p.acquire()
	if !ok {
		t.Fatalf("expected to acquire slot 0")
	}
	s1, ok := p.acquire()
	if !ok {
		t.Fatalf("expected to acquire slot 1")
	}
	if s0 == s1 {
		t.Fatalf("acquired the same slot twice")
	}
	if _, ok := p.acquire(); ok {
		t.Fatalf("expected pool exhaustion on third acquire")
	}
	if n := p.usedSlots(); n != 2 {
		t.Fatalf("usedSlots() = %d, want 2", n)
	}

	if st := p.release(s0.id); st != StatusSuccess {
		t.Fatalf("release: %v", st)
	}
	if n := p.usedSlots(); n != 1 {
		t.Fatalf("usedSlots() after release = %d, want 1", n)
	}

	s2, ok := p.acquire()
	if !ok {
		t.Fatalf("expected to acquire freed slot")
	}
	if s2 != s0 {
		t.Fatalf("expected the freed slot to be reused")
	}
}

func TestPoolReleaseOutOfRangeID(t *testing.T) {
	p, err := newPool(nil, 1)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	if st := p.release(-1); st != StatusValueError {
		t.Fatalf("release(-1) = %v, want StatusValueError", st)
	}
	if st := p.release(1); st != StatusValueError {
		t.Fatalf("release(1) = %v, want StatusValueError", st)
	}
}

func TestPoolReleaseUnacquiredIsEmptyStatus(t *testing.T) {
	p, err := newPool(nil, 1)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	if st := p.release(0); st != StatusEmpty {
		t.Fatalf("release of never-acquired slot = %v, want StatusEmpty", st)
	}
}

func TestPoolDetachReleasesImplicitRef(t *testing.T) {
	p, err := newPool(nil, 1)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	if p.refs.Load() != 1 {
		t.Fatalf("expected refcount 1 after newPool, got %d", p.refs.Load())
	}
	p.detach()
	if p.slots != nil {
		t.Fatalf("expected slots to be freed once the implicit ref was released")
	}
}

func TestPoolOutlivesDetachWhileSlotBorrowed(t *testing.T) {
	p, err := newPool(nil, 1)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	if _, ok := p.acquire(); !ok {
		t.Fatalf("acquire failed")
	}
	p.detach() // connection torn down, but the acquired slot still holds a ref
	if p.slots == nil {
		t.Fatalf("pool slots freed while a slot was still borrowed")
	}
	if st := p.release(0); st != StatusSuccess {
		t.Fatalf("release: %v", st)
	}
	if p.slots != nil {
		t.Fatalf("expected slots freed once the last borrow released")
	}
}
