package bridge

import (
	"context"
	"encoding/json"
	"testing"
)

func TestChainMiddlewaresOrder(t *testing.T) {
	var order []string
	tag := func(name string) MiddlewareRegistration {
		return MiddlewareRegistration{
			Name: name,
			Middleware: func(next Handler) Handler {
				return HandlerFunc(func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
					order = append(order, name)
					return next.Handle(ctx, operation, payload, callCtx)
				})
			},
		}
	}

	handler := chainMiddlewares(HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		order = append(order, "handler")
		return Success(nil), nil
	}), []MiddlewareRegistration{tag("outer"), tag("inner"), {Name: "nil-is-skipped"}})

	if _, err := handler.Handle(context.Background(), "op", nil, CallContext{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRecovererMiddlewareConvertsPanic(t *testing.T) {
	handler := chainMiddlewares(HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		panic("boom")
	}), []MiddlewareRegistration{RecovererMiddleware()})

	_, err := handler.Handle(context.Background(), "op", nil, CallContext{})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

func TestLoggingMiddlewarePassesResultThrough(t *testing.T) {
	handler := chainMiddlewares(HandlerFunc(func(context.Context, string, json.RawMessage, CallContext) (Result, error) {
		return Failure("NOT_FOUND", "nope"), nil
	}), DefaultMiddlewares(nil, nil))

	result, err := handler.Handle(context.Background(), "op", nil, CallContext{CorrelationID: "c1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.ErrorCode != "NOT_FOUND" || result.ErrorMessage != "nope" {
		t.Fatalf("result mangled by middleware chain: %+v", result)
	}
}
