package ringbuf

import (
	"testing"
)

func TestRing_PushBelowCapacity(t *testing.T) {
	r := New[int](4)

	for i := 1; i <= 3; i++ {
		if evicted := r.Push(i); evicted {
			t.Errorf("Push(%d) evicted below capacity", i)
		}
	}

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	got := r.Snapshot()
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	got := r.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRing_PushReportsEviction(t *testing.T) {
	r := New[string](2)

	r.Push("a")
	r.Push("b")

	if evicted := r.Push("c"); !evicted {
		t.Error("Push at capacity did not report eviction")
	}
}

func TestRing_DropWhile(t *testing.T) {
	r := New[int](8)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}

	dropped := r.DropWhile(func(v int) bool { return v < 4 })

	if dropped != 3 {
		t.Errorf("DropWhile dropped %d, want 3", dropped)
	}
	got := r.Snapshot()
	want := []int{4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	// Subsequent pushes reuse the freed slots and keep ordering.
	r.Push(7)
	if r.Len() != 4 {
		t.Errorf("Len() after push = %d, want 4", r.Len())
	}
	snap := r.Snapshot()
	if snap[len(snap)-1] != 7 {
		t.Errorf("newest = %d, want 7", snap[len(snap)-1])
	}
}

func TestRing_DoStopsEarly(t *testing.T) {
	r := New[int](4)
	for i := 1; i <= 4; i++ {
		r.Push(i)
	}

	var visited []int
	r.Do(func(v int) bool {
		visited = append(visited, v)
		return v < 2
	})

	if len(visited) != 2 {
		t.Errorf("visited %d items, want 2", len(visited))
	}
}

func TestRing_Clear(t *testing.T) {
	r := New[int](4)
	r.Push(1)
	r.Push(2)
	r.Clear()

	if r.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", r.Len())
	}
	r.Push(9)
	if got := r.Snapshot(); len(got) != 1 || got[0] != 9 {
		t.Errorf("Snapshot() after Clear+Push = %v, want [9]", got)
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[int](0)
	if r.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", r.Cap())
	}
	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); len(got) != 1 || got[0] != 2 {
		t.Errorf("Snapshot() = %v, want [2]", got)
	}
}
