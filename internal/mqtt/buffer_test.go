package mqtt

import "testing"

func pushBytes(rb *ringBuffer, from, to int) {
	for i := from; i < to; i++ {
		rb.push(bufferedMsg{topic: Topic, payload: []byte{byte(i)}})
	}
}

func payloadBytes(msgs []bufferedMsg) []byte {
	out := make([]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.payload[0]
	}
	return out
}

func TestRingBufferEmptyDrain(t *testing.T) {
	rb := newRingBuffer(4)
	if got := rb.drainAll(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestRingBufferKeepsOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
		want     []byte
		dropped  int
	}{
		{"partial", 4, 3, []byte{0, 1, 2}, 0},
		{"exactly full", 4, 4, []byte{0, 1, 2, 3}, 0},
		{"overflow keeps newest", 4, 7, []byte{3, 4, 5, 6}, 3},
		{"overflow twice round", 3, 10, []byte{7, 8, 9}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.capacity)
			pushBytes(rb, 0, tt.pushed)

			if rb.dropped() != tt.dropped {
				t.Errorf("dropped: got %d, want %d", rb.dropped(), tt.dropped)
			}
			got := payloadBytes(rb.drainAll())
			if string(got) != string(tt.want) {
				t.Errorf("payloads: got %v, want %v", got, tt.want)
			}
			if rb.len() != 0 || rb.dropped() != 0 {
				t.Errorf("after drain: len %d dropped %d, want 0 0", rb.len(), rb.dropped())
			}
		})
	}
}

func TestRingBufferReusedAfterDrain(t *testing.T) {
	rb := newRingBuffer(3)
	pushBytes(rb, 0, 5)
	rb.drainAll()

	pushBytes(rb, 10, 12)
	if rb.len() != 2 {
		t.Fatalf("len: got %d, want 2", rb.len())
	}
	got := payloadBytes(rb.drainAll())
	if string(got) != string([]byte{10, 11}) {
		t.Errorf("payloads: got %v, want [10 11]", got)
	}
}

func TestRingBufferPreservesFields(t *testing.T) {
	rb := newRingBuffer(2)
	rb.push(bufferedMsg{
		topic:    TopicSystem,
		payload:  []byte(`{"system":{}}`),
		qos:      1,
		retained: true,
	})

	got := rb.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].topic != TopicSystem || got[0].qos != 1 || !got[0].retained {
		t.Errorf("fields not preserved: %+v", got[0])
	}
	if string(got[0].payload) != `{"system":{}}` {
		t.Errorf("payload: got %s", got[0].payload)
	}
}
