// Package audio implements the per-session accumulation policy for inbound
// microphone chunks: a size-gated buffer and a bounded overflow queue.
//
// Neither type is safe for concurrent use; both are owned by a single
// session worker.
package audio

import (
	"errors"
	"time"
)

// Chunk is a raw inbound audio payload. It exists only until merged into a
// session's buffer or dropped.
type Chunk struct {
	Data       []byte
	MimeHint   string
	ReceivedAt time.Time
}

// Limits carries the buffering policy.
type Limits struct {
	// MinChunkBytes is the quality floor; smaller chunks are not worth
	// transcribing and are discarded.
	MinChunkBytes int
	// FlushThresholdBytes is the minimum accumulated size before a flush.
	FlushThresholdBytes int
	// MaxBufferBytes is the hard ceiling on accumulated audio.
	MaxBufferBytes int
	// ZeroByteRatio is the fraction of zero-valued bytes above which a chunk
	// is treated as silence or corruption.
	ZeroByteRatio float64
}

var (
	ErrChunkTooSmall = errors.New("audio chunk below quality floor")
	ErrChunkCorrupt  = errors.New("audio chunk is mostly zero bytes")
)

// Check validates a chunk against the quality floor and the zero-byte
// heuristic. A nil return means the chunk is worth keeping.
func (l Limits) Check(data []byte) error {
	if len(data) < l.MinChunkBytes {
		return ErrChunkTooSmall
	}
	if zeroRatio(data) > l.ZeroByteRatio {
		return ErrChunkCorrupt
	}
	return nil
}

func zeroRatio(data []byte) float64 {
	if len(data) == 0 {
		return 1
	}
	zeros := 0
	for _, b := range data {
		if b == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(data))
}

// Disposition reports what Append did with a chunk.
type Disposition int

const (
	// RejectedSmall means the chunk was below the quality floor and dropped.
	RejectedSmall Disposition = iota
	// RejectedCorrupt means the chunk failed the zero-byte heuristic.
	RejectedCorrupt
	// Buffered means the chunk was appended; the buffer is below the flush
	// threshold.
	Buffered
	// FlushReady means the chunk was appended and the buffer has crossed the
	// flush threshold.
	FlushReady
	// Overflow means appending would breach the hard ceiling; the chunk was
	// NOT appended. The caller must Flush() the current contents and then
	// dispose of the chunk itself (re-append it, or process it directly when
	// the buffer was already empty).
	Overflow
)

// Buffer accumulates validated audio for one session.
type Buffer struct {
	limits Limits
	data   []byte
}

func NewBuffer(limits Limits) *Buffer {
	return &Buffer{limits: limits}
}

// Append validates the chunk and accumulates it, reporting the resulting
// disposition. The buffer never observably exceeds MaxBufferBytes: a chunk
// that would breach the ceiling is held back with Overflow instead.
func (b *Buffer) Append(data []byte) Disposition {
	switch b.limits.Check(data) {
	case ErrChunkTooSmall:
		return RejectedSmall
	case ErrChunkCorrupt:
		return RejectedCorrupt
	}
	if len(b.data)+len(data) > b.limits.MaxBufferBytes {
		return Overflow
	}
	b.data = append(b.data, data...)
	if len(b.data) >= b.limits.FlushThresholdBytes {
		return FlushReady
	}
	return Buffered
}

// Flush hands the accumulated bytes to the caller and resets the buffer.
// Ownership of the returned slice transfers to the caller.
func (b *Buffer) Flush() []byte {
	data := b.data
	b.data = nil
	return data
}

// Len reports the accumulated size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// FlushReady reports whether the accumulated audio has crossed the flush
// threshold.
func (b *Buffer) FlushReady() bool {
	return len(b.data) >= b.limits.FlushThresholdBytes
}

// Limits returns the buffering policy, shared with the queue path so queued
// chunks pass the same validation.
func (b *Buffer) Limits() Limits { return b.limits }
