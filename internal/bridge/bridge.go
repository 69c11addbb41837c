// Package bridge implements an RPC bridge over a message broker. The
// outbound side issues request/reply calls with per-call ephemeral reply
// queues; the inbound side consumes a shared request queue under a prefetch
// bound and delegates decoded calls to a pluggable handler backend.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/mqbridge/internal/bridge/broker"
	"github.com/drblury/mqbridge/internal/bridge/config"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	"github.com/drblury/mqbridge/internal/bridge/journal"
	"github.com/drblury/mqbridge/internal/bridge/logging"
	"github.com/drblury/mqbridge/internal/bridge/pool"
)

// Dependencies collects the injectable collaborators of a Bridge. Every
// field is optional; zero values select the built-in behaviour.
type Dependencies struct {
	// Handler overrides backend selection via config. When nil, the
	// backend named by Config.HandlerBackend is built from Backends.
	Handler Handler

	// Dial overrides the broker dialer, used by tests to run against the
	// in-memory broker.
	Dial broker.Dialer

	// Middlewares wrap the handler. Leave nil for the default chain.
	Middlewares []MiddlewareRegistration

	// DisableDefaultMiddlewares drops the default chain so Middlewares
	// stands alone.
	DisableDefaultMiddlewares bool

	// Hooks observe the inbound dispatch lifecycle.
	Hooks DispatchHooks

	// Registerer receives the bridge's Prometheus collectors. Nil falls
	// back to the default registry.
	Registerer prometheus.Registerer

	// Backends overrides the backend registry. Nil uses DefaultBackends.
	Backends *BackendRegistry
}

// Bridge bundles the outbound client and the inbound dispatcher over one
// shared connection pool.
type Bridge struct {
	conf   *config.Config
	logger logging.ServiceLogger

	pool       *pool.Pool
	client     *Client
	dispatcher *Dispatcher
	metrics    *Metrics
	journal    *journal.Writer
}

// New validates the configuration, connects the pool, and assembles the
// bridge. The returned bridge is ready for Call immediately; Run starts
// the inbound side.
func New(conf config.Config, logger logging.ServiceLogger, deps Dependencies) (*Bridge, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	var metrics *Metrics
	if conf.MetricsEnabled {
		metrics = NewMetrics(deps.Registerer)
	}

	var jw *journal.Writer
	if conf.JournalFile != "" {
		store, err := journal.Open(conf.JournalFile)
		if err != nil {
			return nil, fmt.Errorf("open call journal: %w", err)
		}
		jw = journal.NewWriter(store)
	}

	p, err := pool.New(pool.Config{
		URL:            conf.BrokerURL,
		MinIdle:        conf.PoolMinIdle,
		MaxTotal:       conf.PoolMaxTotal,
		AcquireTimeout: conf.PoolAcquireTimeout,
		Dial:           deps.Dial,
		Logger:         logger,
		OpenGauge:      metrics.poolGauge(),
	})
	if err != nil {
		if jw != nil {
			jw.Close()
		}
		return nil, err
	}

	handler, err := resolveHandler(&conf, logger, deps)
	if err != nil {
		p.Close()
		if jw != nil {
			jw.Close()
		}
		return nil, err
	}

	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = DefaultMiddlewares(logger, metrics)
	}
	registrations = append(registrations, deps.Middlewares...)
	handler = chainMiddlewares(handler, registrations)

	b := &Bridge{
		conf:       &conf,
		logger:     logger,
		pool:       p,
		metrics:    metrics,
		journal:    jw,
		client:     newClient(&conf, logger, p, metrics, jw),
		dispatcher: newDispatcher(&conf, logger, p, handler, deps.Hooks, metrics, jw),
	}

	logger.Info("bridge assembled", logging.LogFields{
		"config":  conf.String(),
		"backend": conf.HandlerBackend,
	})
	return b, nil
}

func resolveHandler(conf *config.Config, logger logging.ServiceLogger, deps Dependencies) (Handler, error) {
	if deps.Handler != nil {
		return deps.Handler, nil
	}
	backends := deps.Backends
	if backends == nil {
		backends = DefaultBackends
	}
	handler, err := backends.Build(conf.HandlerBackend, conf, logger)
	if err != nil {
		return nil, errors.Join(errspkg.ErrHandlerRequired, err)
	}
	return handler, nil
}

// Call issues one outbound RPC and waits for its reply. See Client.Call.
func (b *Bridge) Call(ctx context.Context, operation string, payload json.RawMessage, opts ...CallOption) (*Response, error) {
	return b.client.Call(ctx, operation, payload, opts...)
}

// Client returns the outbound side for callers that only issue RPCs.
func (b *Bridge) Client() *Client {
	return b.client
}

// Journal returns the call journal writer, or nil when journaling is off.
func (b *Bridge) Journal() *journal.Writer {
	return b.journal
}

// Run starts the inbound dispatcher (and, when enabled, the metrics
// endpoint) and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.conf.MetricsEnabled {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", b.conf.MetricsPort),
			Handler: metricsMux(),
		}
		go func() {
			b.logger.Info("metrics endpoint listening", logging.LogFields{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("metrics endpoint failed", err, nil)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return b.dispatcher.Run(ctx)
}

// Close releases the pool, the pending-call registry, and the journal.
// In-flight calls are failed; Close does not wait for them.
func (b *Bridge) Close() error {
	b.client.close()
	b.pool.Close()
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
