package orchestrator

import (
	"sync"
	"time"

	"github.com/mamorett/sybilla/internal/model"
)

// StatusBoard holds the live scheduler status. Writers replace the
// snapshot as a unit under the lock, so observers never see a torn
// update. Subscribers get a copy of every new snapshot.
type StatusBoard struct {
	mu   sync.Mutex
	cur  model.SchedulerStatus
	subs map[chan model.SchedulerStatus]struct{}
}

// NewStatusBoard returns a board in the idle state.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		cur: model.SchedulerStatus{
			Step:       "idle",
			Message:    "Ready",
			Mode:       model.ModeIdle,
			LastUpdate: time.Now(),
		},
		subs: make(map[chan model.SchedulerStatus]struct{}),
	}
}

// Snapshot returns a copy of the current status.
func (b *StatusBoard) Snapshot() model.SchedulerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Update applies mutate to the current status under the lock, stamps
// LastUpdate and fans the new snapshot out to subscribers. Slow
// subscribers drop updates rather than block the pipeline.
func (b *StatusBoard) Update(mutate func(s *model.SchedulerStatus)) {
	b.mu.Lock()
	mutate(&b.cur)
	b.cur.LastUpdate = time.Now()
	snapshot := b.cur
	for ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a status listener. The returned cancel func must
// be called to release it.
func (b *StatusBoard) Subscribe() (<-chan model.SchedulerStatus, func()) {
	ch := make(chan model.SchedulerStatus, 8)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}
