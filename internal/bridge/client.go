package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/mqbridge/internal/bridge/broker"
	"github.com/drblury/mqbridge/internal/bridge/config"
	"github.com/drblury/mqbridge/internal/bridge/envelope"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	"github.com/drblury/mqbridge/internal/bridge/ids"
	"github.com/drblury/mqbridge/internal/bridge/journal"
	"github.com/drblury/mqbridge/internal/bridge/logging"
	"github.com/drblury/mqbridge/internal/bridge/pool"
)

// Response is the successful outcome of an outbound call.
type Response struct {
	CorrelationID   string
	Data            json.RawMessage
	BackendMessages []envelope.BackendMessage
}

// CallOption customises a single outbound call.
type CallOption func(*callSettings)

type callSettings struct {
	timeout        time.Duration
	sessionID      string
	userID         string
	username       string
	consumerID     string
	generalContext map[string]any
}

// WithTimeout overrides the configured default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) { s.timeout = d }
}

// WithSessionID sets the session identifier carried in the call context.
func WithSessionID(id string) CallOption {
	return func(s *callSettings) { s.sessionID = id }
}

// WithUser sets the authenticated user carried in the call context.
func WithUser(userID, username string) CallOption {
	return func(s *callSettings) { s.userID = userID; s.username = username }
}

// WithConsumerID sets the consumer identifier carried in the call context.
func WithConsumerID(id string) CallOption {
	return func(s *callSettings) { s.consumerID = id }
}

// WithGeneralContext attaches free-form context fields to the call.
func WithGeneralContext(fields map[string]any) CallOption {
	return func(s *callSettings) { s.generalContext = fields }
}

// Client is the outbound RPC engine. It is a single-attempt call primitive:
// it publishes one request, waits on a private reply queue, and reports
// exactly one outcome. Retry policy belongs to the caller.
type Client struct {
	conf     *config.Config
	logger   logging.ServiceLogger
	pool     *pool.Pool
	registry *callRegistry
	metrics  *Metrics
	journal  *journal.Writer
	tracer   trace.Tracer
}

func newClient(conf *config.Config, logger logging.ServiceLogger, p *pool.Pool, m *Metrics, jw *journal.Writer) *Client {
	return &Client{
		conf:     conf,
		logger:   logger,
		pool:     p,
		registry: newCallRegistry(defaultResolutionGrace),
		metrics:  m,
		journal:  jw,
		tracer:   otel.Tracer("mqbridge"),
	}
}

func (c *Client) close() {
	c.registry.close()
}

// Call publishes operation with payload and waits for the matching
// response. Payload must be a JSON object or nil. The outcome is exactly
// one of: a Response, a *RemoteError, ErrCallTimeout, a decode error, or a
// transport/pool error.
func (c *Client) Call(ctx context.Context, operation string, payload json.RawMessage, opts ...CallOption) (*Response, error) {
	settings := callSettings{timeout: c.conf.CallTimeout}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.timeout <= 0 {
		settings.timeout = c.conf.CallTimeout
	}

	ctx, span := c.tracer.Start(ctx, "mqbridge.call")
	defer span.End()
	span.SetAttributes(attribute.String("mqbridge.operation", operation))

	start := time.Now()
	resp, err := c.call(ctx, operation, payload, settings)
	elapsed := time.Since(start)

	outcome := classifyCallOutcome(err)
	c.metrics.observeCall(outcome, elapsed.Seconds())
	c.recordJournal(operation, resp, err, outcome, elapsed)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("mqbridge.correlation_id", resp.CorrelationID))
	return resp, nil
}

func (c *Client) call(ctx context.Context, operation string, payload json.RawMessage, settings callSettings) (*Response, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() {
		if healthy {
			c.pool.Release(conn)
		} else {
			c.pool.Invalidate(conn)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", errspkg.ErrTransport, err)
	}
	defer ch.Close()

	// The reply queue is declared with broker-side TTL and expiry so it
	// cannot leak even if this process dies before the cleanup below runs.
	replyQueue := ids.ReplyQueueName(c.conf.RequestQueue)
	if _, err := ch.DeclareQueue(broker.QueueSpec{
		Name:       replyQueue,
		Exclusive:  true,
		AutoDelete: true,
		MessageTTL: c.conf.ReplyQueueTTL,
		Expiry:     c.conf.ReplyQueueExpiry,
	}); err != nil {
		return nil, fmt.Errorf("%w: declare reply queue: %v", errspkg.ErrTransport, err)
	}
	defer func() {
		// Proactive teardown on every exit path; broker-side expiry is
		// only the safety net.
		if err := ch.DeleteQueue(replyQueue); err != nil {
			c.logger.Debug("reply queue cleanup failed", logging.LogFields{
				"queue": replyQueue, "error": err.Error(),
			})
		}
	}()

	correlationID := ids.CorrelationID()
	deadline := time.Now().Add(settings.timeout)
	pc := c.registry.register(correlationID, replyQueue, deadline)
	defer c.registry.forget(correlationID)

	body, err := envelope.EncodeOutbound(envelope.Outbound{
		Operation: operation,
		CallContext: envelope.OutboundCallContext{
			CorrelationID:  correlationID,
			SessionID:      settings.sessionID,
			UserID:         settings.userID,
			Username:       settings.username,
			ConsumerID:     settings.consumerID,
			GeneralContext: settings.generalContext,
		},
		Payload: payload,
	})
	if err != nil {
		healthy = true
		return nil, fmt.Errorf("%w: %v", errspkg.ErrDecode, err)
	}

	if err := ch.Publish(ctx, c.conf.RequestQueue, broker.Publishing{
		MessageID:     operation,
		ContentType:   envelope.ContentType,
		CorrelationID: correlationID,
		ReplyTo:       replyQueue,
		Body:          body,
	}); err != nil {
		return nil, fmt.Errorf("%w: publish request: %v", errspkg.ErrTransport, err)
	}

	deliveries, err := ch.Consume(replyQueue, broker.ConsumeOptions{
		ConsumerTag: correlationID,
		AutoAck:     true,
		Exclusive:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: consume reply queue: %v", errspkg.ErrTransport, err)
	}
	defer func() {
		if err := ch.Cancel(correlationID); err != nil {
			c.logger.Debug("reply consumer cancel failed", logging.LogFields{
				"queue": replyQueue, "error": err.Error(),
			})
		}
	}()

	go c.awaitReply(correlationID, deliveries)

	healthy = true
	return c.awaitOutcome(ctx, pc, deadline)
}

// awaitReply resolves the pending call from reply queue deliveries.
// Mismatched correlation ids should not occur on a per-call queue; they are
// logged and discarded.
func (c *Client) awaitReply(correlationID string, deliveries <-chan broker.Delivery) {
	for d := range deliveries {
		if d.CorrelationID() != correlationID {
			c.logger.Debug("discarding reply with foreign correlation id", logging.LogFields{
				"expected": correlationID,
				"received": d.CorrelationID(),
			})
			continue
		}
		in, err := envelope.DecodeInbound(d.Body())
		if err != nil {
			c.registry.resolve(correlationID, callOutcome{err: fmt.Errorf("%w: %v", errspkg.ErrDecode, err)})
			return
		}
		c.registry.resolve(correlationID, callOutcome{env: &in})
		return
	}
}

// awaitOutcome races the pending call's resolution against the deadline.
// The registry guarantees at most one resolution; whichever side loses the
// race observes resolve() returning false and defers to the winner.
func (c *Client) awaitOutcome(ctx context.Context, pc *pendingCall, deadline time.Time) (*Response, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var out callOutcome
	select {
	case out = <-pc.done:
	case <-timer.C:
		if c.registry.expire(pc.correlationID) {
			return nil, fmt.Errorf("%w: no response for %s within %s",
				errspkg.ErrCallTimeout, pc.correlationID, deadline.Sub(pc.createdAt).Round(time.Millisecond))
		}
		out = <-pc.done
	case <-ctx.Done():
		if c.registry.resolve(pc.correlationID, callOutcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		out = <-pc.done
	}

	if out.err != nil {
		return nil, out.err
	}
	env := out.env
	if env.IsError() {
		code := env.Status.ErrorCode
		message := ""
		if len(env.Status.BackendMessages) > 0 {
			message = env.Status.BackendMessages[0].Message
		}
		return nil, &errspkg.RemoteError{
			Code:            code,
			Message:         message,
			BackendMessages: env.Status.BackendMessages,
		}
	}
	return &Response{
		CorrelationID:   pc.correlationID,
		Data:            env.Data,
		BackendMessages: env.Status.BackendMessages,
	}, nil
}

func classifyCallOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, errspkg.ErrCallTimeout):
		return outcomeTimeout
	case errors.Is(err, errspkg.ErrDecode):
		return outcomeDecode
	default:
		if _, ok := errspkg.AsRemoteError(err); ok {
			return outcomeRemoteError
		}
		return outcomeTransport
	}
}

func (c *Client) recordJournal(operation string, resp *Response, err error, outcome string, elapsed time.Duration) {
	if c.journal == nil {
		return
	}
	entry := journal.Entry{
		Direction: journal.DirectionOutbound,
		Operation: operation,
		Outcome:   outcome,
		Duration:  elapsed,
	}
	if resp != nil {
		entry.CorrelationID = resp.CorrelationID
	}
	if re, ok := errspkg.AsRemoteError(err); ok {
		entry.ErrorCode = re.Code
	}
	c.journal.Record(entry)
}
