package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/drblury/mqbridge/internal/bridge/broker"
	"github.com/drblury/mqbridge/internal/bridge/config"
	"github.com/drblury/mqbridge/internal/bridge/envelope"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	"github.com/drblury/mqbridge/internal/bridge/journal"
	"github.com/drblury/mqbridge/internal/bridge/jsoncodec"
	"github.com/drblury/mqbridge/internal/bridge/logging"
	"github.com/drblury/mqbridge/internal/bridge/pool"
)

// Dispatcher consumes the request queue under a prefetch bound, hands each
// decoded call to the configured handler, and publishes exactly one reply
// for every decodable message. Decode and dispatch faults are nacked
// without requeue so a poison message cannot loop.
type Dispatcher struct {
	conf    *config.Config
	logger  logging.ServiceLogger
	pool    *pool.Pool
	handler Handler
	hooks   DispatchHooks
	metrics *Metrics
	journal *journal.Writer

	startedAt time.Time
}

func newDispatcher(conf *config.Config, logger logging.ServiceLogger, p *pool.Pool, handler Handler, hooks DispatchHooks, m *Metrics, jw *journal.Writer) *Dispatcher {
	return &Dispatcher{
		conf:      conf,
		logger:    logger,
		pool:      p,
		handler:   handler,
		hooks:     hooks,
		metrics:   m,
		journal:   jw,
		startedAt: time.Now(),
	}
}

// Run consumes the request queue until ctx is cancelled. Transport loss is
// survived by re-establishing the consume channel with exponential backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		err := d.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		d.logger.Error("consume loop interrupted, reconnecting", err, logging.LogFields{
			"queue":   d.conf.RequestQueue,
			"backoff": wait.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume establishes one long-lived channel, declares the shared queues,
// and processes deliveries until the stream breaks or ctx is cancelled.
func (d *Dispatcher) consume(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	healthy := false
	defer func() {
		if healthy {
			d.pool.Release(conn)
		} else {
			d.pool.Invalidate(conn)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", errspkg.ErrTransport, err)
	}
	defer ch.Close()

	for _, queue := range []string{d.conf.RequestQueue, d.conf.ResponseQueue} {
		if _, err := ch.DeclareQueue(broker.QueueSpec{Name: queue, Durable: true}); err != nil {
			return fmt.Errorf("%w: declare queue %s: %v", errspkg.ErrTransport, queue, err)
		}
	}

	deliveries, err := ch.Consume(d.conf.RequestQueue, broker.ConsumeOptions{
		Prefetch: d.conf.PrefetchCount,
	})
	if err != nil {
		return fmt.Errorf("%w: consume request queue: %v", errspkg.ErrTransport, err)
	}

	d.logger.Info("consuming request queue", logging.LogFields{
		"queue":    d.conf.RequestQueue,
		"prefetch": d.conf.PrefetchCount,
	})

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			healthy = true
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery stream closed", errspkg.ErrTransport)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.process(ctx, conn, delivery)
			}()
		}
	}
}

// process drives one message through its state machine:
// received -> processing -> exactly one of
// acked-success | acked-business-error | nacked-fault.
func (d *Dispatcher) process(ctx context.Context, conn broker.Connection, delivery broker.Delivery) {
	// Captured before decoding so fault telemetry stays attributable even
	// for malformed bodies.
	correlationID := delivery.CorrelationID()
	operation := delivery.MessageID()
	start := time.Now()

	d.metrics.dispatchStarted()

	dctx := DispatchContext{
		Operation:     operation,
		CorrelationID: correlationID,
		Queue:         d.conf.RequestQueue,
		StartedAt:     start,
	}
	d.hooks.start(dctx)

	out, err := envelope.DecodeOutbound(operation, delivery.Body())
	if err != nil {
		d.fault(dctx, delivery, start, fmt.Errorf("%w: %v", errspkg.ErrDecode, err))
		return
	}
	if out.CallContext.CorrelationID != "" {
		correlationID = out.CallContext.CorrelationID
		dctx.CorrelationID = correlationID
	}

	result, err := d.invoke(ctx, out)
	if err != nil {
		d.fault(dctx, delivery, start, err)
		return
	}

	reply, err := d.buildReply(out, result)
	if err != nil {
		d.fault(dctx, delivery, start, err)
		return
	}

	replyQueue := delivery.ReplyTo()
	if replyQueue == "" {
		replyQueue = d.conf.ResponseQueue
	}

	// Replies go out on their own short-lived channel: the consume channel
	// belongs to the consume loop and channels are not goroutine-safe.
	if err := d.publishReply(ctx, conn, replyQueue, correlationID, operation, reply); err != nil {
		d.fault(dctx, delivery, start, err)
		return
	}

	if err := delivery.Ack(); err != nil {
		d.logger.Error("ack failed", err, logging.LogFields{"correlation_id": correlationID})
	}

	terminal := dispatchAckedSuccess
	if result.IsError() {
		terminal = dispatchAckedBusinessErr
	}
	d.finish(dctx, start, terminal, result.ErrorCode)
}

// invoke runs the handler, short-circuiting the reserved operations the
// bridge answers itself.
func (d *Dispatcher) invoke(ctx context.Context, out envelope.Outbound) (Result, error) {
	switch out.Operation {
	case OpHealthCheck:
		return d.healthCheck()
	case OpAdapterInfo:
		return d.adapterInfo()
	}
	return d.handler.Handle(ctx, out.Operation, out.Payload, out.CallContext)
}

func (d *Dispatcher) healthCheck() (Result, error) {
	doc, err := jsoncodec.Marshal(map[string]any{
		"status":        "OK",
		"uptimeSeconds": int64(time.Since(d.startedAt).Seconds()),
	})
	if err != nil {
		return Result{}, err
	}
	return Success(doc), nil
}

func (d *Dispatcher) adapterInfo() (Result, error) {
	doc, err := jsoncodec.Marshal(map[string]any{
		"name":    d.conf.AdapterName,
		"version": d.conf.AdapterVersion,
		"backend": d.conf.HandlerBackend,
	})
	if err != nil {
		return Result{}, err
	}
	return Success(doc), nil
}

func (d *Dispatcher) buildReply(out envelope.Outbound, result Result) ([]byte, error) {
	messages := result.BackendMessages
	if result.IsError() && result.ErrorMessage != "" {
		messages = append([]envelope.BackendMessage{{
			Source:  "adapter",
			Message: result.ErrorMessage,
			Type:    "error",
		}}, messages...)
	}

	body, err := envelope.EncodeInbound(envelope.Inbound{
		CallContext: envelope.InboundCallContext{
			CorrelationID:  out.CallContext.CorrelationID,
			SessionID:      out.CallContext.SessionID,
			GeneralContext: out.CallContext.GeneralContext,
		},
		Status: envelope.Status{
			ErrorCode:       result.ErrorCode,
			BackendMessages: messages,
		},
		Data: result.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode reply: %v", errspkg.ErrDecode, err)
	}
	return body, nil
}

func (d *Dispatcher) publishReply(ctx context.Context, conn broker.Connection, queue, correlationID, operation string, body []byte) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open reply channel: %v", errspkg.ErrTransport, err)
	}
	defer ch.Close()

	if err := ch.Publish(ctx, queue, broker.Publishing{
		MessageID:     operation,
		ContentType:   envelope.ContentType,
		CorrelationID: correlationID,
		Body:          body,
	}); err != nil {
		return fmt.Errorf("%w: publish reply: %v", errspkg.ErrTransport, err)
	}
	return nil
}

// fault nacks a message without requeue. Dead-lettering is the broker's
// concern; requeueing a poison message would loop it forever.
func (d *Dispatcher) fault(dctx DispatchContext, delivery broker.Delivery, start time.Time, err error) {
	if nackErr := delivery.Nack(false); nackErr != nil {
		d.logger.Error("nack failed", nackErr, logging.LogFields{"correlation_id": dctx.CorrelationID})
	}

	d.logger.Error("inbound message faulted", err, logging.LogFields{
		"operation":      dctx.Operation,
		"correlation_id": dctx.CorrelationID,
	})

	dctx.Duration = time.Since(start)
	d.hooks.fail(dctx, err)
	d.metrics.dispatchFinished(dispatchNackedFault)
	d.record(dctx, dispatchNackedFault, errorCodeOf(err))
}

func (d *Dispatcher) finish(dctx DispatchContext, start time.Time, terminal, errorCode string) {
	dctx.Duration = time.Since(start)
	d.hooks.done(dctx)
	d.metrics.dispatchFinished(terminal)
	d.record(dctx, terminal, errorCode)
}

func (d *Dispatcher) record(dctx DispatchContext, terminal, errorCode string) {
	if d.journal == nil {
		return
	}
	d.journal.Record(journal.Entry{
		Direction:     journal.DirectionInbound,
		Operation:     dctx.Operation,
		CorrelationID: dctx.CorrelationID,
		Outcome:       terminal,
		ErrorCode:     errorCode,
		Duration:      dctx.Duration,
	})
}

func errorCodeOf(err error) string {
	if errors.Is(err, errspkg.ErrDecode) {
		return "DECODE_ERROR"
	}
	if errors.Is(err, errspkg.ErrTransport) {
		return "TRANSPORT_ERROR"
	}
	return "FAULT"
}
