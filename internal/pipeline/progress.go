package pipeline

import (
	"sync"

	"github.com/kdimtricp/mediadex/internal/models"
)

// Progress is the observable batch position. Current is 1-based while an
// item is in flight; a zero Progress means no active batch.
type Progress struct {
	Current     int              `json:"current"`
	Total       int              `json:"total"`
	CurrentItem string           `json:"current_item"`
	Kind        models.MediaKind `json:"-"`
}

// Broadcaster fans progress updates out to subscribers. Sends never block:
// a subscriber that stops draining misses updates instead of stalling the
// processing loop.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Progress]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Progress]struct{})}
}

// Subscribe returns a buffered progress channel and a cancel func that must
// be called when the observer is done.
func (b *Broadcaster) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- p:
		default:
		}
	}
}
