package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drblury/mqbridge/internal/bridge/broker"
	"github.com/drblury/mqbridge/internal/bridge/broker/memory"
	"github.com/drblury/mqbridge/internal/bridge/config"
	"github.com/drblury/mqbridge/internal/bridge/envelope"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	"github.com/drblury/mqbridge/internal/bridge/logging"
)

func testConfig() config.Config {
	return config.Config{
		BrokerURL:      "memory://test",
		RequestQueue:   "widgets.requests",
		ResponseQueue:  "widgets.responses",
		CallTimeout:    2 * time.Second,
		AdapterName:    "widget-adapter",
		AdapterVersion: "1.2.3",
	}
}

// newTestBridge assembles a bridge over the in-memory broker and starts its
// dispatcher. It blocks until the request queue exists so calls issued right
// away cannot be dropped as unroutable.
func newTestBridge(t *testing.T, mem *memory.Broker, conf config.Config, deps Dependencies) *Bridge {
	t.Helper()

	deps.Dial = mem.Dialer()
	b, err := New(conf, logging.Nop(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	}()

	waitFor(t, "request queue declared", func() bool {
		return mem.HasQueue(b.conf.RequestQueue)
	})
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func replyQueues(mem *memory.Broker) []string {
	var names []string
	for _, name := range mem.Queues() {
		if strings.Contains(name, ".reply.") {
			names = append(names, name)
		}
	}
	return names
}

func TestBridgeRoundTrip(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	handler := HandlerFunc(func(_ context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
		if operation != "getWidget" {
			return Failure("UNKNOWN_OPERATION", "no such operation"), nil
		}
		if callCtx.CorrelationID == "" {
			return Failure("BAD_CONTEXT", "missing correlation id"), nil
		}
		var req struct {
			WidgetID string `json:"widgetId"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return Result{}, err
		}
		data, _ := json.Marshal(map[string]string{"widgetId": req.WidgetID, "color": "teal"})
		return Success(data), nil
	})

	b := newTestBridge(t, mem, testConfig(), Dependencies{Handler: handler})

	resp, err := b.Call(context.Background(), "getWidget",
		json.RawMessage(`{"widgetId":"w-17"}`), WithSessionID("sess-1"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.CorrelationID == "" {
		t.Fatal("response is missing its correlation id")
	}

	var widget struct {
		WidgetID string `json:"widgetId"`
		Color    string `json:"color"`
	}
	if err := json.Unmarshal(resp.Data, &widget); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
	if widget.WidgetID != "w-17" || widget.Color != "teal" {
		t.Fatalf("unexpected widget: %+v", widget)
	}

	// The per-call reply queue must not outlive the call.
	waitFor(t, "reply queue cleanup", func() bool {
		return len(replyQueues(mem)) == 0
	})
	if depth := mem.QueueDepth(b.conf.RequestQueue); depth != 0 {
		t.Fatalf("request queue still holds %d messages", depth)
	}
}

func TestBridgeBusinessError(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		return Failure("NOT_FOUND", "widget missing"), nil
	})

	b := newTestBridge(t, mem, testConfig(), Dependencies{Handler: handler})

	_, err := b.Call(context.Background(), "getWidget", json.RawMessage(`{"widgetId":"nope"}`))
	if err == nil {
		t.Fatal("expected a remote error")
	}
	remote, ok := errspkg.AsRemoteError(err)
	if !ok {
		t.Fatalf("expected RemoteError, got %T: %v", err, err)
	}
	if remote.Code != "NOT_FOUND" {
		t.Fatalf("code = %q, want NOT_FOUND", remote.Code)
	}
	if remote.Message != "widget missing" {
		t.Fatalf("message = %q, want %q", remote.Message, "widget missing")
	}

	// A business error is a delivered outcome: the request must be acked,
	// not requeued.
	waitFor(t, "request queue drained", func() bool {
		return mem.QueueDepth(b.conf.RequestQueue) == 0
	})
}

func TestBridgeHandlerFaultIsNacked(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	var faults atomic.Int32
	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		return Result{}, fmt.Errorf("backend connection refused")
	})

	conf := testConfig()
	conf.CallTimeout = 300 * time.Millisecond
	b := newTestBridge(t, mem, conf, Dependencies{
		Handler: handler,
		Hooks: DispatchHooks{
			OnError: func(DispatchContext, error) { faults.Add(1) },
		},
	})

	_, err := b.Call(context.Background(), "getWidget", json.RawMessage(`{}`))
	if !errors.Is(err, errspkg.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}

	waitFor(t, "fault hook", func() bool { return faults.Load() == 1 })
	if depth := mem.QueueDepth(b.conf.RequestQueue); depth != 0 {
		t.Fatalf("faulted message should be dropped, queue depth = %d", depth)
	}
}

func TestBridgeCallTimeout(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage, _ CallContext) (Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Success(nil), nil
	})

	conf := testConfig()
	conf.CallTimeout = 100 * time.Millisecond
	b := newTestBridge(t, mem, conf, Dependencies{Handler: handler})

	start := time.Now()
	_, err := b.Call(context.Background(), "getWidget", json.RawMessage(`{}`))
	if !errors.Is(err, errspkg.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, want about %v", elapsed, conf.CallTimeout)
	}
	close(release)

	// Even on timeout the caller tears its reply queue down; the late
	// reply lands nowhere instead of faulting the dispatcher.
	waitFor(t, "reply queue cleanup", func() bool {
		return len(replyQueues(mem)) == 0
	})
}

func TestBridgeConcurrentCallsStayCorrelated(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	handler := HandlerFunc(func(_ context.Context, _ string, payload json.RawMessage, _ CallContext) (Result, error) {
		// Echo the request payload so each caller can verify it got its
		// own answer.
		return Success(payload), nil
	})

	conf := testConfig()
	conf.PoolMaxTotal = 16
	conf.PrefetchCount = 16
	b := newTestBridge(t, mem, conf, Dependencies{Handler: handler})

	const calls = 24
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf(`{"n":%d}`, i)
			resp, err := b.Call(context.Background(), "echo", json.RawMessage(want))
			if err != nil {
				errs <- fmt.Errorf("call %d: %w", i, err)
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(resp.Data, &got); err != nil {
				errs <- fmt.Errorf("call %d: decode: %w", i, err)
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("call %d received reply %d", i, got.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestBridgePrefetchBoundsConcurrency(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	var inflight, peak atomic.Int32
	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		inflight.Add(-1)
		return Success(nil), nil
	})

	conf := testConfig()
	conf.PrefetchCount = 2
	conf.PoolMaxTotal = 16
	b := newTestBridge(t, mem, conf, Dependencies{Handler: handler})

	const calls = 8
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Call(context.Background(), "slow", json.RawMessage(`{}`)); err != nil {
				t.Errorf("call: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("observed %d concurrent handlers, prefetch allows 2", got)
	}
}

func TestBridgeMalformedMessageIsNackedWithoutReply(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	var handled atomic.Int32
	var faults atomic.Int32
	var faultCorrID atomic.Value

	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		handled.Add(1)
		return Success(nil), nil
	})

	b := newTestBridge(t, mem, testConfig(), Dependencies{
		Handler: handler,
		Hooks: DispatchHooks{
			OnError: func(dctx DispatchContext, _ error) {
				faults.Add(1)
				faultCorrID.Store(dctx.CorrelationID)
			},
		},
	})

	conn, err := mem.Dialer()("memory://test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	err = ch.Publish(context.Background(), b.conf.RequestQueue, broker.Publishing{
		MessageID:     "getWidget",
		ContentType:   envelope.ContentType,
		CorrelationID: "corr-garbage",
		ReplyTo:       b.conf.ResponseQueue,
		Body:          []byte("{not json"),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "fault hook", func() bool { return faults.Load() == 1 })
	if handled.Load() != 0 {
		t.Fatal("handler ran for an undecodable message")
	}
	// Fault telemetry keeps the transport-level correlation id even though
	// the body never decoded.
	if got := faultCorrID.Load(); got != "corr-garbage" {
		t.Fatalf("fault correlation id = %v, want corr-garbage", got)
	}
	if depth := mem.QueueDepth(b.conf.ResponseQueue); depth != 0 {
		t.Fatalf("no reply may be published for a fault, response depth = %d", depth)
	}
	if depth := mem.QueueDepth(b.conf.RequestQueue); depth != 0 {
		t.Fatalf("faulted message must not requeue, request depth = %d", depth)
	}
}

func TestBridgeReplyFallsBackToResponseQueue(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		return Success(json.RawMessage(`{"ok":true}`)), nil
	})
	b := newTestBridge(t, mem, testConfig(), Dependencies{Handler: handler})

	body, err := envelope.EncodeOutbound(envelope.Outbound{
		Operation:   "getWidget",
		CallContext: envelope.OutboundCallContext{CorrelationID: "corr-noreply", SessionID: "s1"},
		Payload:     json.RawMessage(`{"widgetId":"w-1"}`),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	conn, err := mem.Dialer()("memory://test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	err = ch.Publish(context.Background(), b.conf.RequestQueue, broker.Publishing{
		MessageID:     "getWidget",
		ContentType:   envelope.ContentType,
		CorrelationID: "corr-noreply",
		Body:          body,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "reply on response queue", func() bool {
		return mem.QueueDepth(b.conf.ResponseQueue) == 1
	})

	deliveries, err := ch.Consume(b.conf.ResponseQueue, broker.ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	select {
	case d := <-deliveries:
		if d.CorrelationID() != "corr-noreply" {
			t.Fatalf("reply correlation id = %q", d.CorrelationID())
		}
		in, err := envelope.DecodeInbound(d.Body())
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if in.IsError() {
			t.Fatalf("unexpected error reply: %+v", in.Status)
		}
		if in.CallContext.CorrelationID != "corr-noreply" || in.CallContext.SessionID != "s1" {
			t.Fatalf("reply context not mirrored: %+v", in.CallContext)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestBridgeReservedOperations(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	// The handler must never see reserved operations.
	handler := HandlerFunc(func(_ context.Context, operation string, _ json.RawMessage, _ CallContext) (Result, error) {
		t.Errorf("handler invoked for reserved operation %q", operation)
		return Success(nil), nil
	})
	b := newTestBridge(t, mem, testConfig(), Dependencies{Handler: handler})

	t.Run("healthCheck", func(t *testing.T) {
		resp, err := b.Call(context.Background(), OpHealthCheck, nil)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		var health struct {
			Status        string `json:"status"`
			UptimeSeconds *int64 `json:"uptimeSeconds"`
		}
		if err := json.Unmarshal(resp.Data, &health); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if health.Status != "OK" || health.UptimeSeconds == nil {
			t.Fatalf("unexpected health document: %s", resp.Data)
		}
	})

	t.Run("adapterInfo", func(t *testing.T) {
		resp, err := b.Call(context.Background(), OpAdapterInfo, nil)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		var info struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Backend string `json:"backend"`
		}
		if err := json.Unmarshal(resp.Data, &info); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if info.Name != "widget-adapter" || info.Version != "1.2.3" {
			t.Fatalf("unexpected adapter info: %s", resp.Data)
		}
	})
}

func TestBridgeHandlerPanicBecomesFault(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	var faults atomic.Int32
	handler := HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		panic("widget store corrupted")
	})

	conf := testConfig()
	conf.CallTimeout = 300 * time.Millisecond
	b := newTestBridge(t, mem, conf, Dependencies{
		Handler: handler,
		Hooks: DispatchHooks{
			OnError: func(DispatchContext, error) { faults.Add(1) },
		},
	})

	_, err := b.Call(context.Background(), "getWidget", json.RawMessage(`{}`))
	if !errors.Is(err, errspkg.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	waitFor(t, "panic surfaced as fault", func() bool { return faults.Load() == 1 })
}

func TestBridgeMockBackendByConfig(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	conf := testConfig()
	conf.HandlerBackend = "mock"
	b := newTestBridge(t, mem, conf, Dependencies{})

	resp, err := b.Call(context.Background(), "anything", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp.BackendMessages) == 0 || resp.BackendMessages[0].Source != "mock" {
		t.Fatalf("expected a mock backend message, got %+v", resp.BackendMessages)
	}
}

func TestBridgeCloseFailsInflightCalls(t *testing.T) {
	mem := memory.New()
	defer mem.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage, _ CallContext) (Result, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Success(nil), nil
	})

	conf := testConfig()
	conf.CallTimeout = time.Minute
	b := newTestBridge(t, mem, conf, Dependencies{Handler: handler})

	callErr := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "slow", json.RawMessage(`{}`))
		callErr <- err
	}()

	<-entered
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	defer close(release)

	select {
	case err := <-callErr:
		if !errors.Is(err, errspkg.ErrBridgeClosed) {
			t.Fatalf("in-flight call returned %v, want ErrBridgeClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call still blocked after Close")
	}
}

func TestBridgeRequiresLogger(t *testing.T) {
	if _, err := New(testConfig(), nil, Dependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
}

func TestBridgeUnknownBackend(t *testing.T) {
	conf := testConfig()
	conf.HandlerBackend = "no-such-backend"
	_, err := New(conf, logging.Nop(), Dependencies{Dial: memory.New().Dialer()})
	if !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}
