package audio

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

// Frame sizes observed in deployed clients.
const (
	FrameSize4KB  = 4 * 1024
	FrameSize64KB = 64 * 1024
)

// ErrExhausted is returned by Next once every byte of the source has been framed.
var ErrExhausted = errors.New("source exhausted")

// Chunker slices a finite byte source into fixed-size frames covering
// [0, size) with no gaps or overlaps. The last frame may be shorter than
// the frame size. The sequence is lazy: a slice is only read when Next is
// called, and it can only be restarted from offset zero via Reset.
type Chunker struct {
	src       io.ReaderAt
	size      int64
	frameSize int

	offset int64
	frames uint64
	failed error

	mu sync.Mutex
}

// ChunkerStats represents chunker progress
type ChunkerStats struct {
	FrameSize  int    `json:"frame_size"`
	TotalBytes int64  `json:"total_bytes"`
	Offset     int64  `json:"offset"`
	Frames     uint64 `json:"frames"`
	Remaining  int    `json:"remaining_frames"`
}

// NewChunker creates a chunker over size bytes of src
func NewChunker(src io.ReaderAt, size int64, frameSize int) (*Chunker, error) {
	if src == nil {
		return nil, fmt.Errorf("chunker source cannot be nil")
	}
	if size < 0 {
		return nil, fmt.Errorf("source size cannot be negative, got %d", size)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	return &Chunker{src: src, size: size, frameSize: frameSize}, nil
}

// FrameCount returns ceil(size / frameSize), the number of frames the source yields
func FrameCount(size int64, frameSize int) int {
	if size <= 0 || frameSize <= 0 {
		return 0
	}
	return int((size + int64(frameSize) - 1) / int64(frameSize))
}

// Next reads and returns the next frame. It returns ErrExhausted after the
// final frame. A read error is sticky: the failed slice is never returned
// and every later call reports the same error until Reset.
func (c *Chunker) Next() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return nil, c.failed
	}
	if c.offset >= c.size {
		return nil, ErrExhausted
	}

	n := int64(c.frameSize)
	if remaining := c.size - c.offset; remaining < n {
		n = remaining
	}

	frame := make([]byte, n)
	read, err := c.src.ReadAt(frame, c.offset)
	// ReaderAt may return io.EOF together with a full final slice
	if int64(read) < n || (err != nil && !errors.Is(err, io.EOF)) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		c.failed = fmt.Errorf("read frame at offset %d: %w", c.offset, err)
		return nil, c.failed
	}

	c.offset += n
	c.frames++
	return frame, nil
}

// Frames returns the remaining frames as an iterator. Iteration stops after
// the last frame or at the first read error, which is yielded once.
func (c *Chunker) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := c.Next()
			if errors.Is(err, ErrExhausted) {
				return
			}
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

// Reset restarts the sequence from offset zero and clears a sticky read error
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
	c.frames = 0
	c.failed = nil
}

// Size returns the total number of source bytes
func (c *Chunker) Size() int64 {
	return c.size
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChunkerStats{
		FrameSize:  c.frameSize,
		TotalBytes: c.size,
		Offset:     c.offset,
		Frames:     c.frames,
		Remaining:  FrameCount(c.size-c.offset, c.frameSize),
	}
}
