package ringqueue

import "testing"

func TestRingPushPopOrder(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	v, ok := r.Pop()
	if !ok || v != 1 {
		t.Fatalf("expected first pop to return 1, got %d ok=%v", v, ok)
	}
	v, ok = r.Pop()
	if !ok || v != 2 {
		t.Fatalf("expected second pop to return 2, got %d ok=%v", v, ok)
	}
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := New[string](2)
	r.Push("a")
	r.Push("b")
	evicted, didEvict := r.Push("c")
	if !didEvict || evicted != "a" {
		t.Fatalf("expected pushing past capacity to evict the oldest entry \"a\", got %q didEvict=%v", evicted, didEvict)
	}
	if r.Len() != 2 {
		t.Fatalf("expected length to stay at capacity 2, got %d", r.Len())
	}
	v, _ := r.Pop()
	if v != "b" {
		t.Fatalf("expected \"b\" to now be oldest, got %q", v)
	}
}

func TestRingPeekDoesNotRemove(t *testing.T) {
	r := New[int](2)
	r.Push(42)
	v, ok := r.Peek()
	if !ok || v != 42 {
		t.Fatalf("peek: got %d ok=%v", v, ok)
	}
	if r.Len() != 1 {
		t.Fatal("peek should not remove the entry")
	}
}

func TestRingPopEmpty(t *testing.T) {
	r := New[int](2)
	if _, ok := r.Pop(); ok {
		t.Fatal("expected pop on an empty ring to report ok=false")
	}
}

func TestRingZeroCapacityDropsEverything(t *testing.T) {
	r := New[int](0)
	_, didEvict := r.Push(1)
	if !didEvict {
		t.Fatal("a zero-capacity ring should report every push as evicted")
	}
	if r.Len() != 0 {
		t.Fatal("a zero-capacity ring should never retain anything")
	}
}

func TestRingForEachVisitsOldestFirst(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	var seen []int
	r.ForEach(func(v int) { seen = append(seen, v) })
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected ForEach to visit in insertion order, got %v", seen)
	}
}
