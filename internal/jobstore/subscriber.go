package jobstore

import (
	"context"
	"sync"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// subscriberBuffer bounds the progress snapshots held for one slow
// subscriber.
const subscriberBuffer = 64

// subscriber queues snapshots in write order for one Subscribe call. Once
// subscriberBuffer snapshots are waiting, further progress snapshots are
// dropped; terminal snapshots are always kept.
type subscriber struct {
	out  chan *models.TranscodeJob
	wake chan struct{}

	mu      sync.Mutex
	pending []*models.TranscodeJob
	dropped int
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:  make(chan *models.TranscodeJob),
		wake: make(chan struct{}, 1),
	}
}

// push never blocks.
func (s *subscriber) push(snap *models.TranscodeJob) {
	s.mu.Lock()
	if len(s.pending) >= subscriberBuffer && !snap.IsTerminal() {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued snapshots until ctx ends, then closes out.
func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, snap := range batch {
			select {
			case s.out <- snap:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscriber) droppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
