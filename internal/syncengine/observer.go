package syncengine

import (
	"sync"
	"sync/atomic"

	"github.com/alexjbarnes/health-sync/internal/models"
)

// Observer receives one event per completed upload unit. Events arrive
// from concurrent tasks, so implementations must be safe for concurrent
// use and should not block.
type Observer interface {
	OnProgress(models.ProgressEvent)
}

type nopObserver struct{}

func (nopObserver) OnProgress(models.ProgressEvent) {}

// ChannelObserver buffers events in a bounded channel. When the buffer is
// full new events are dropped and counted rather than stalling uploads.
type ChannelObserver struct {
	ch      chan models.ProgressEvent
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewChannelObserver returns an observer buffering up to size events.
func NewChannelObserver(size int) *ChannelObserver {
	if size < 1 {
		size = 1
	}

	return &ChannelObserver{ch: make(chan models.ProgressEvent, size)}
}

// OnProgress enqueues ev, or drops it if the buffer is full or the
// observer has been closed.
func (c *ChannelObserver) OnProgress(ev models.ProgressEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.dropped.Add(1)
		return
	}

	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the channel to drain. It is closed by Close.
func (c *ChannelObserver) Events() <-chan models.ProgressEvent {
	return c.ch
}

// Dropped returns how many events were discarded.
func (c *ChannelObserver) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the events channel. Later events are dropped.
func (c *ChannelObserver) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
