package capture

import (
	"sync"
	"time"

	"godown-edge-go/internal/models"
)

// Relay is a single-slot latest-frame handoff between a capture goroutine and a
// processing goroutine. Older frames are overwritten, never queued.
type Relay struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *models.Frame
	seq    uint64
	closed bool
}

func NewRelay() *Relay {
	r := &Relay{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Put replaces the slot and wakes waiters. It returns the frame's sequence number.
func (r *Relay) Put(f *models.Frame) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	f.Seq = r.seq
	r.frame = f
	r.cond.Broadcast()
	return r.seq
}

// Next waits up to wait for a frame newer than after and returns a private copy.
// ok is false on timeout or once the relay is closed.
func (r *Relay) Next(after uint64, wait time.Duration) (frame *models.Frame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := false
	timer := time.AfterFunc(wait, func() {
		r.mu.Lock()
		expired = true
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	for r.seq <= after && !r.closed && !expired {
		r.cond.Wait()
	}
	if r.closed || r.seq <= after {
		return nil, false
	}
	return r.frame.Clone(), true
}

// Seq returns the sequence number of the latest frame
func (r *Relay) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Close wakes all waiters; subsequent Next calls return immediately
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}
