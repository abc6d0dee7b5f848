package stream

// ringBuffer keeps the most recent events for late subscribers.
type ringBuffer struct {
	items []*Event
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{items: make([]*Event, capacity)}
}

func (r *ringBuffer) append(evt *Event) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = evt
		r.size++
		return
	}
	r.items[r.start] = evt
	r.start = (r.start + 1) % capacity
}

func (r *ringBuffer) snapshot() []*Event {
	out := make([]*Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}
