package audio

// Queue holds chunks that arrive while a session's previous buffer is still
// in the pipeline. It is bounded by chunk count and total bytes; enqueue
// fails closed (drops) rather than blocking so an overloaded session sheds
// audio instead of growing without bound.
type Queue struct {
	maxChunks int
	maxBytes  int
	chunks    [][]byte
	bytes     int
	dropped   int
}

func NewQueue(maxChunks, maxBytes int) *Queue {
	return &Queue{maxChunks: maxChunks, maxBytes: maxBytes}
}

// Enqueue appends a chunk in arrival order. It returns false, dropping the
// chunk, once the queue holds maxChunks entries or the chunk would push the
// combined size past maxBytes.
func (q *Queue) Enqueue(data []byte) bool {
	if len(q.chunks) >= q.maxChunks || q.bytes+len(data) > q.maxBytes {
		q.dropped++
		return false
	}
	q.chunks = append(q.chunks, data)
	q.bytes += len(data)
	return true
}

// Drain concatenates all queued chunks in arrival order and resets the
// queue. It returns nil when nothing is queued.
func (q *Queue) Drain() []byte {
	if len(q.chunks) == 0 {
		return nil
	}
	merged := make([]byte, 0, q.bytes)
	for _, chunk := range q.chunks {
		merged = append(merged, chunk...)
	}
	q.chunks = nil
	q.bytes = 0
	return merged
}

// Len reports the number of queued chunks.
func (q *Queue) Len() int { return len(q.chunks) }

// Bytes reports the combined queued size.
func (q *Queue) Bytes() int { return q.bytes }

// Dropped reports how many chunks have been shed under backpressure.
func (q *Queue) Dropped() int { return q.dropped }
