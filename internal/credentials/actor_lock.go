package credentials

import (
	"context"
	"sync"
)

// ActorLock serializes credential-refresh-and-request cycles per actor.
// Waiters for the same actor are granted the section strictly first come,
// first served; different actors never contend. The lock applies no internal
// deadline, so callers bound waits through their context.
type ActorLock struct {
	mu     sync.Mutex
	queues map[int64]*actorQueue
}

type actorQueue struct {
	tail  chan struct{}
	depth int
}

// NewActorLock constructs an empty lock table.
func NewActorLock() *ActorLock {
	return &ActorLock{queues: make(map[int64]*actorQueue)}
}

// With runs fn inside the actor's exclusive section. The section is released
// when fn returns, whether or not it errored; the lock keeps no memory of
// failures between acquisitions. A cancelled context abandons the wait and
// returns ctx.Err without ever entering the section.
func (l *ActorLock) With(ctx context.Context, actorID int64, fn func() error) error {
	release, err := l.acquire(ctx, actorID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *ActorLock) acquire(ctx context.Context, actorID int64) (func(), error) {
	turn := make(chan struct{})

	l.mu.Lock()
	queue := l.queues[actorID]
	if queue == nil {
		queue = &actorQueue{}
		l.queues[actorID] = queue
	}
	predecessor := queue.tail
	queue.tail = turn
	queue.depth++
	l.mu.Unlock()

	if predecessor != nil {
		select {
		case <-predecessor:
		case <-ctx.Done():
			// The slot is already queued; hand it straight through to the
			// successor once the predecessor finishes.
			go func() {
				<-predecessor
				l.release(actorID, turn)
			}()
			return nil, ctx.Err()
		}
	}

	return func() { l.release(actorID, turn) }, nil
}

func (l *ActorLock) release(actorID int64, turn chan struct{}) {
	close(turn)

	l.mu.Lock()
	queue := l.queues[actorID]
	if queue != nil {
		queue.depth--
		if queue.depth == 0 {
			delete(l.queues, actorID)
		}
	}
	l.mu.Unlock()
}
