// Package pool owns the bounded set of live broker connections shared by
// the outbound engine and the inbound dispatcher. It lends connections out,
// reclaims them, validates liveness before handing one over, and replaces
// dead connections transparently. Retry policy is deliberately left to
// callers: an unreachable broker fails an acquire after the wait bound,
// never later.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/mqbridge/internal/bridge/broker"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	"github.com/drblury/mqbridge/internal/bridge/logging"
)

// Config tunes the pool. Dial defaults to the AMQP dialer.
type Config struct {
	URL            string
	MinIdle        int
	MaxTotal       int
	AcquireTimeout time.Duration

	Dial   broker.Dialer
	Logger logging.ServiceLogger

	// OpenGauge, when set, tracks the number of currently open
	// connections. The pool updates it; it does not own the metric.
	OpenGauge prometheus.Gauge
}

// Pool is a bounded broker connection pool. Construct with New, share by
// reference, and Close exactly once on shutdown.
type Pool struct {
	conf Config

	// tokens caps how many connections may be borrowed concurrently.
	tokens chan struct{}

	mu     sync.Mutex
	idle   []broker.Connection
	open   int
	closed bool
}

// New constructs the pool and eagerly opens MinIdle connections. A broker
// that is unreachable at construction time surfaces immediately.
func New(conf Config) (*Pool, error) {
	if conf.MaxTotal <= 0 {
		return nil, fmt.Errorf("pool: max total must be positive, got %d", conf.MaxTotal)
	}
	if conf.MinIdle < 0 || conf.MinIdle > conf.MaxTotal {
		return nil, fmt.Errorf("pool: min idle %d out of range", conf.MinIdle)
	}
	if conf.Dial == nil {
		conf.Dial = broker.DialAMQP
	}
	if conf.Logger == nil {
		conf.Logger = logging.Nop()
	}
	if conf.AcquireTimeout <= 0 {
		conf.AcquireTimeout = 5 * time.Second
	}

	p := &Pool{
		conf:   conf,
		tokens: make(chan struct{}, conf.MaxTotal),
	}
	for i := 0; i < conf.MaxTotal; i++ {
		p.tokens <- struct{}{}
	}

	for i := 0; i < conf.MinIdle; i++ {
		conn, err := p.dial()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	return p, nil
}

// Acquire borrows a connection, waiting up to the configured bound for one
// to become available. It returns ErrPoolExhausted when the wait bound
// passes and ErrBrokerUnavailable when a fresh connection cannot be dialed.
func (p *Pool) Acquire(ctx context.Context) (broker.Connection, error) {
	if p.isClosed() {
		return nil, errspkg.ErrPoolClosed
	}

	timer := time.NewTimer(p.conf.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.tokens:
	case <-timer.C:
		return nil, fmt.Errorf("%w: no connection available within %s",
			errspkg.ErrPoolExhausted, p.conf.AcquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Reuse a live idle connection, discarding dead ones along the way.
	for {
		conn, ok := p.popIdle()
		if !ok {
			break
		}
		if !conn.IsClosed() {
			return conn, nil
		}
		p.discard(conn)
		p.conf.Logger.Debug("discarded dead pooled connection", nil)
	}

	conn, err := p.dial()
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}
	return conn, nil
}

// Release returns a borrowed connection. Dead connections are closed and
// dropped; the next acquire dials a replacement.
func (p *Pool) Release(conn broker.Connection) {
	if conn == nil {
		return
	}
	defer func() { p.tokens <- struct{}{} }()

	p.mu.Lock()
	if p.closed || conn.IsClosed() {
		p.mu.Unlock()
		p.discard(conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Invalidate discards a borrowed connection known to be broken.
func (p *Pool) Invalidate(conn broker.Connection) {
	if conn == nil {
		return
	}
	p.discard(conn)
	p.tokens <- struct{}{}
}

// Open reports how many connections are currently open, borrowed or idle.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Close shuts the pool down and closes every idle connection. Borrowed
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.discard(conn)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) popIdle() (broker.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return conn, true
}

func (p *Pool) dial() (broker.Connection, error) {
	conn, err := p.conf.Dial(p.conf.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrBrokerUnavailable, err)
	}
	p.mu.Lock()
	p.open++
	p.mu.Unlock()
	if p.conf.OpenGauge != nil {
		p.conf.OpenGauge.Inc()
	}
	return conn, nil
}

func (p *Pool) discard(conn broker.Connection) {
	_ = conn.Close()
	p.mu.Lock()
	if p.open > 0 {
		p.open--
	}
	p.mu.Unlock()
	if p.conf.OpenGauge != nil {
		p.conf.OpenGauge.Dec()
	}
}
