package audio

import (
	"bytes"
	"testing"
)

func TestQueueDrainPreservesArrivalOrder(t *testing.T) {
	q := NewQueue(5, 500*1024)
	for i := byte(0); i < 3; i++ {
		if !q.Enqueue(bytes.Repeat([]byte{i + 1}, 4)) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	merged := q.Drain()
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if !bytes.Equal(merged, want) {
		t.Fatalf("unexpected drain order: %v", merged)
	}
	if q.Len() != 0 || q.Bytes() != 0 {
		t.Fatalf("drain must reset the queue, have %d chunks %d bytes", q.Len(), q.Bytes())
	}
}

func TestQueueDropsBeyondChunkLimit(t *testing.T) {
	q := NewQueue(5, 500*1024)
	chunk := make([]byte, 8)
	for i := 0; i < 5; i++ {
		if !q.Enqueue(chunk) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if q.Enqueue(chunk) {
		t.Fatal("sixth chunk should have been dropped")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped chunk, got %d", q.Dropped())
	}
	if q.Len() != 5 {
		t.Fatalf("expected 5 queued chunks, got %d", q.Len())
	}
}

func TestQueueDropsBeyondByteLimit(t *testing.T) {
	q := NewQueue(10, 100)
	if !q.Enqueue(make([]byte, 60)) {
		t.Fatal("first enqueue failed")
	}
	if q.Enqueue(make([]byte, 50)) {
		t.Fatal("chunk pushing past the byte cap should have been dropped")
	}
	if !q.Enqueue(make([]byte, 40)) {
		t.Fatal("chunk within the byte cap was dropped")
	}
	if q.Bytes() != 100 {
		t.Fatalf("expected 100 queued bytes, got %d", q.Bytes())
	}
}

func TestQueueDrainEmpty(t *testing.T) {
	q := NewQueue(5, 100)
	if got := q.Drain(); got != nil {
		t.Fatalf("expected nil drain on empty queue, got %v", got)
	}
}
