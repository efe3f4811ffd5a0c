package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tubedrop/types"
)

// Broadcaster fans task snapshots out to observers without coupling them to
// the engine. Each task has a latest-value slot (poll model) and a set of
// subscriber channels (push model). Publishing never blocks: a slow
// subscriber has its stale snapshot replaced by the newest one.
type Broadcaster struct {
	mu       sync.RWMutex
	latest   map[string]*types.Task
	subs     map[string]map[chan *types.Task]struct{}
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewBroadcaster creates a Broadcaster that publishes at most one update per
// minInterval per task, except for forced (first/last of phase) updates.
func NewBroadcaster(minInterval time.Duration) *Broadcaster {
	return &Broadcaster{
		latest:   make(map[string]*types.Task),
		subs:     make(map[string]map[chan *types.Task]struct{}),
		limiters: make(map[string]*rate.Limiter),
		interval: minInterval,
	}
}

// Publish records the newest snapshot for the task and pushes it to
// subscribers. Non-forced updates are dropped when they arrive faster than
// the minimum interval; forced updates (phase boundaries, terminal states)
// always go out. Returns whether the update was actually published, so the
// caller can align durable progress writes with the same cadence.
// A terminal snapshot ends all subscriptions for the task.
func (b *Broadcaster) Publish(task *types.Task, force bool) bool {
	snap := task.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[snap.ID] = snap
	if !force && !b.limiter(snap.ID).Allow() {
		return false
	}
	// send never blocks, so delivering under the lock is safe and keeps a
	// concurrent subscriber cancel from closing a channel mid-send
	terminal := snap.Status.IsTerminal()
	for ch := range b.subs[snap.ID] {
		send(ch, snap)
		if terminal {
			close(ch)
		}
	}
	if terminal {
		delete(b.subs, snap.ID)
		delete(b.limiters, snap.ID)
	}
	return true
}

// Latest returns the most recent snapshot published for the task.
func (b *Broadcaster) Latest(id string) (*types.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.latest[id]
	return snap, ok
}

// Subscribe registers a push observer for the task. The returned channel
// receives snapshots as they are published and is closed when the task
// reaches a terminal state or the cancel function runs. Subscribing to an
// already-terminal task yields its final snapshot and an immediate close.
func (b *Broadcaster) Subscribe(id string) (<-chan *types.Task, func()) {
	ch := make(chan *types.Task, 1)

	b.mu.Lock()
	if snap, ok := b.latest[id]; ok && snap.Status.IsTerminal() {
		b.mu.Unlock()
		ch <- snap
		close(ch)
		return ch, func() {}
	}
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan *types.Task]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[id]; ok {
			if _, registered := set[ch]; registered {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Forget drops the latest-value slot after a task record is deleted.
func (b *Broadcaster) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, id)
	delete(b.limiters, id)
}

// limiter returns the per-task rate limiter; caller holds b.mu
func (b *Broadcaster) limiter(id string) *rate.Limiter {
	l, ok := b.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.interval), 1)
		b.limiters[id] = l
	}
	return l
}

// send delivers latest-wins: when the subscriber has not drained the
// previous snapshot, it is replaced instead of queueing behind it
func send(ch chan *types.Task, snap *types.Task) {
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
