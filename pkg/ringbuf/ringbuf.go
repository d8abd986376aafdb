package ringbuf

// Ring is a fixed-capacity ring buffer that overwrites the oldest element
// once full. It is not safe for concurrent use; callers own synchronisation
// so the buffer can live under whichever lock already guards its writes.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

// Push appends an item, evicting the oldest when the buffer is full.
// Returns true if an element was evicted.
func (r *Ring[T]) Push(item T) bool {
	evicted := r.size == len(r.items)

	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = item

	if evicted {
		r.head = (r.head + 1) % len(r.items)
	} else {
		r.size++
	}
	return evicted
}

func (r *Ring[T]) Len() int {
	return r.size
}

func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Snapshot returns the buffered items oldest-first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Do calls fn on each buffered item oldest-first, stopping early if fn
// returns false.
func (r *Ring[T]) Do(fn func(T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.items[(r.head+i)%len(r.items)]) {
			return
		}
	}
}

// DropWhile removes items from the oldest end while pred returns true.
// Used for time-based expiry where items are pushed in time order.
func (r *Ring[T]) DropWhile(pred func(T) bool) int {
	dropped := 0
	var zero T
	for r.size > 0 && pred(r.items[r.head]) {
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		dropped++
	}
	return dropped
}

// Clear empties the buffer without reallocating.
func (r *Ring[T]) Clear() {
	var zero T
	for i := 0; i < r.size; i++ {
		r.items[(r.head+i)%len(r.items)] = zero
	}
	r.head = 0
	r.size = 0
}
