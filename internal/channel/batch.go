package channel

import (
	"sync"
	"time"

	"github.com/lmoretti/chatwire/internal/transport"
)

// flushOrder fixes the cross-kind flush sequence so new messages are always
// delivered before the status changes that may reference them. Order within a
// kind is arrival order.
var flushOrder = []transport.EventKind{
	transport.EventMessageNew,
	transport.EventMessageStatus,
	transport.EventReadReceipt,
}

// batcher accumulates inbound events per kind and flushes them together after
// a window. The window is mode-tuned at runtime; a shrink takes effect on the
// next batch.
type batcher struct {
	flush func(kind transport.EventKind, events []transport.Event)

	mu      sync.Mutex
	window  time.Duration
	buckets map[transport.EventKind][]transport.Event
	timer   *time.Timer
}

func newBatcher(window time.Duration, flush func(transport.EventKind, []transport.Event)) *batcher {
	return &batcher{
		flush:   flush,
		window:  window,
		buckets: make(map[transport.EventKind][]transport.Event),
	}
}

// SetWindow changes the batch window for subsequent batches.
func (b *batcher) SetWindow(d time.Duration) {
	b.mu.Lock()
	b.window = d
	b.mu.Unlock()
}

// Add buffers one event. The first event of a batch arms the flush timer.
func (b *batcher) Add(e transport.Event) {
	b.mu.Lock()
	b.buckets[e.Kind] = append(b.buckets[e.Kind], e)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers every buffered event and disarms the timer. Also called on
// teardown so nothing buffered is lost.
func (b *batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	buckets := b.buckets
	b.buckets = make(map[transport.EventKind][]transport.Event)
	b.mu.Unlock()

	for _, kind := range flushOrder {
		if events := buckets[kind]; len(events) > 0 {
			b.flush(kind, events)
		}
	}
}
