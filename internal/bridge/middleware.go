package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/mqbridge/internal/bridge/logging"
)

// Middleware wraps a handler with cross-cutting behaviour.
type Middleware func(Handler) Handler

// MiddlewareRegistration names a middleware for diagnostics.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
}

// DefaultMiddlewares returns the standard chain applied around the
// configured handler: tracing, logging, handler metrics, and panic
// recovery. Recovery sits innermost so the outer layers observe a fault
// error rather than an escaping panic.
func DefaultMiddlewares(logger logging.ServiceLogger, metrics *Metrics) []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracingMiddleware(),
		LoggingMiddleware(logger),
		HandlerMetricsMiddleware(metrics),
		RecovererMiddleware(),
	}
}

// chainMiddlewares wraps handler so the first registration is outermost.
func chainMiddlewares(handler Handler, registrations []MiddlewareRegistration) Handler {
	for i := len(registrations) - 1; i >= 0; i-- {
		if registrations[i].Middleware == nil {
			continue
		}
		handler = registrations[i].Middleware(handler)
	}
	return handler
}

// RecovererMiddleware converts handler panics into fault errors so a
// panicking handler nacks its message instead of killing the dispatcher.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (result Result, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("handler panic: %v", r)
					}
				}()
				return next.Handle(ctx, operation, payload, callCtx)
			})
		},
	}
}

// LoggingMiddleware logs every handled call with its outcome and duration.
func LoggingMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "logging",
		Middleware: func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
				if logger == nil {
					return next.Handle(ctx, operation, payload, callCtx)
				}
				start := time.Now()
				result, err := next.Handle(ctx, operation, payload, callCtx)

				fields := logging.LogFields{
					"operation":      operation,
					"correlation_id": callCtx.CorrelationID,
					"duration":       time.Since(start).String(),
				}
				switch {
				case err != nil:
					logger.Error("handler fault", err, fields)
				case result.IsError():
					fields["error_code"] = result.ErrorCode
					logger.Info("handler returned business error", fields)
				default:
					logger.Debug("handler completed", fields)
				}
				return result, err
			})
		},
	}
}

// HandlerMetricsMiddleware observes handler execution time.
func HandlerMetricsMiddleware(metrics *Metrics) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "handler_metrics",
		Middleware: func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
				start := time.Now()
				result, err := next.Handle(ctx, operation, payload, callCtx)
				metrics.observeHandler(time.Since(start).Seconds())
				return result, err
			})
		},
	}
}

// TracingMiddleware opens an OpenTelemetry span around handler execution.
func TracingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracing",
		Middleware: func(next Handler) Handler {
			tracer := otel.Tracer("mqbridge")
			return HandlerFunc(func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
				ctx, span := tracer.Start(ctx, "mqbridge.handle")
				defer span.End()
				span.SetAttributes(
					attribute.String("mqbridge.operation", operation),
					attribute.String("mqbridge.correlation_id", callCtx.CorrelationID),
				)

				result, err := next.Handle(ctx, operation, payload, callCtx)
				switch {
				case err != nil:
					span.SetStatus(codes.Error, err.Error())
				case result.IsError():
					span.SetAttributes(attribute.String("mqbridge.error_code", result.ErrorCode))
				}
				return result, err
			})
		},
	}
}
