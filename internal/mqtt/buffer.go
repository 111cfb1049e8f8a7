package mqtt

import "log"

// bufferedMsg is a serialized message held until the broker is reachable.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer holds the most recent messages published while disconnected.
// When full the oldest message is overwritten. Callers synchronize.
type ringBuffer struct {
	slots []bufferedMsg
	start int // oldest message
	n     int
	lost  int // overwritten since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{slots: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.slots)
	if r.n < size {
		r.slots[(r.start+r.n)%size] = msg
		r.n++
		return
	}
	if r.lost == 0 {
		log.Printf("mqtt: buffer full (%d messages), dropping oldest", size)
	}
	r.lost++
	r.slots[r.start] = msg
	r.start = (r.start + 1) % size
}

// drainAll returns the buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.n == 0 {
		return nil
	}
	out := make([]bufferedMsg, 0, r.n)
	for i := 0; i < r.n; i++ {
		j := (r.start + i) % len(r.slots)
		out = append(out, r.slots[j])
		r.slots[j] = bufferedMsg{}
	}
	if r.lost > 0 {
		log.Printf("mqtt: %d messages were dropped while disconnected", r.lost)
	}
	r.start, r.n, r.lost = 0, 0, 0
	return out
}

func (r *ringBuffer) len() int {
	return r.n
}

func (r *ringBuffer) dropped() int {
	return r.lost
}
