package bridge

import (
	"sync"
	"time"

	"github.com/drblury/mqbridge/internal/bridge/envelope"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
)

// callOutcome is the terminal state of a pending call: either a decoded
// response envelope or an error (timeout, decode failure, cancellation).
type callOutcome struct {
	env *envelope.Inbound
	err error
}

// pendingCall is one in-flight outbound call awaiting its response. The
// outcome is delivered exactly once on done; whichever of "matching
// response" or "deadline" resolves first wins.
type pendingCall struct {
	correlationID string
	replyQueue    string
	createdAt     time.Time
	deadline      time.Time
	done          chan callOutcome
}

// callRegistry maps correlation ids to pending calls. It is shared by every
// concurrently in-flight call; resolve-once semantics are the registry's
// core invariant.
type callRegistry struct {
	mu    sync.Mutex
	calls map[string]*pendingCall

	grace    time.Duration
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

const (
	// defaultResolutionGrace is how long an entry may outlive its deadline
	// before the sweeper expires it. A small window lets a response that
	// raced the caller's own timeout still resolve cleanly.
	defaultResolutionGrace = time.Second
	sweepInterval          = 500 * time.Millisecond
)

func newCallRegistry(grace time.Duration) *callRegistry {
	if grace <= 0 {
		grace = defaultResolutionGrace
	}
	r := &callRegistry{
		calls:    make(map[string]*pendingCall),
		grace:    grace,
		interval: sweepInterval,
		stop:     make(chan struct{}),
	}
	go r.sweep()
	return r
}

// register records a new pending call. The correlation id must be fresh;
// registering a duplicate panics since it violates a protocol invariant the
// id generator is responsible for.
func (r *callRegistry) register(correlationID, replyQueue string, deadline time.Time) *pendingCall {
	pc := &pendingCall{
		correlationID: correlationID,
		replyQueue:    replyQueue,
		createdAt:     time.Now(),
		deadline:      deadline,
		done:          make(chan callOutcome, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.calls[correlationID]; dup {
		panic("mqbridge: duplicate correlation id " + correlationID)
	}
	r.calls[correlationID] = pc
	return pc
}

// resolve transitions a pending call to its terminal state. It reports true
// iff this invocation performed the transition; a call that was already
// resolved, expired, or never registered yields false and no side effects.
func (r *callRegistry) resolve(correlationID string, out callOutcome) bool {
	r.mu.Lock()
	pc, ok := r.calls[correlationID]
	if ok {
		delete(r.calls, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	pc.done <- out
	return true
}

// expire resolves a call as timed out. Used by the per-call timeout watcher
// and by the sweeper.
func (r *callRegistry) expire(correlationID string) bool {
	return r.resolve(correlationID, callOutcome{err: errspkg.ErrCallTimeout})
}

// forget drops an entry without resolving it, for cleanup on paths where
// the caller never started waiting.
func (r *callRegistry) forget(correlationID string) {
	r.mu.Lock()
	delete(r.calls, correlationID)
	r.mu.Unlock()
}

// pending reports how many calls are currently in flight.
func (r *callRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// close stops the sweeper and fails every still-pending call, so shutdown
// unblocks waiting callers instead of leaving them to their deadlines.
func (r *callRegistry) close() {
	r.stopOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		pending := make([]*pendingCall, 0, len(r.calls))
		for id, pc := range r.calls {
			pending = append(pending, pc)
			delete(r.calls, id)
		}
		r.mu.Unlock()

		// done is buffered and each entry was removed under the lock, so
		// these sends cannot block or double-resolve.
		for _, pc := range pending {
			pc.done <- callOutcome{err: errspkg.ErrBridgeClosed}
		}
	})
}

// sweep expires entries that outlived their deadline plus the grace period.
// Callers normally expire their own calls; the sweeper only catches entries
// orphaned by a caller that died mid-wait.
func (r *callRegistry) sweep() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			var stale []string
			r.mu.Lock()
			for id, pc := range r.calls {
				if now.After(pc.deadline.Add(r.grace)) {
					stale = append(stale, id)
				}
			}
			r.mu.Unlock()
			for _, id := range stale {
				r.expire(id)
			}
		}
	}
}
