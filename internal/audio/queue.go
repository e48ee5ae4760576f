package audio

import "sync/atomic"

// frameQueue is the bounded queue between the real-time capture callback and
// the chunk writer. Pushes never block: when the queue is full the oldest
// frame is evicted and counted as an overrun. Losing audio is preferred over
// blocking the producer, which risks driver-level glitches.
type frameQueue struct {
	ch       chan Frame
	overruns atomic.Uint64
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &frameQueue{ch: make(chan Frame, capacity)}
}

func (q *frameQueue) push(f Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		// Full: evict the oldest frame and retry.
		select {
		case <-q.ch:
			q.overruns.Add(1)
		default:
		}
	}
}

func (q *frameQueue) frames() <-chan Frame { return q.ch }

func (q *frameQueue) close() { close(q.ch) }

func (q *frameQueue) overrunCount() uint64 { return q.overruns.Load() }
