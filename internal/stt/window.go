package stt

// ringBuffer keeps the most recent cap samples. Pushing past capacity
// overwrites the oldest samples in place.
type ringBuffer struct {
	data  []float32
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{data: make([]float32, capacity)}
}

func (r *ringBuffer) push(samples []float32) {
	capacity := len(r.data)
	if len(samples) >= capacity {
		copy(r.data, samples[len(samples)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}
	for _, s := range samples {
		end := (r.start + r.size) % capacity
		r.data[end] = s
		if r.size < capacity {
			r.size++
		} else {
			r.start = (r.start + 1) % capacity
		}
	}
}

// tail copies the newest n samples (or all, if fewer are held) into dst,
// oldest first.
func (r *ringBuffer) tail(dst []float32, n int) []float32 {
	if n > r.size {
		n = r.size
	}
	dst = dst[:0]
	capacity := len(r.data)
	first := (r.start + r.size - n) % capacity
	if first+n <= capacity {
		return append(dst, r.data[first:first+n]...)
	}
	dst = append(dst, r.data[first:]...)
	return append(dst, r.data[:n-(capacity-first)]...)
}

func (r *ringBuffer) len() int { return r.size }

func (r *ringBuffer) reset() {
	r.start = 0
	r.size = 0
}
