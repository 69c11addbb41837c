package mqbridge

import (
	bridgepkg "github.com/drblury/mqbridge/internal/bridge"
	brokerpkg "github.com/drblury/mqbridge/internal/bridge/broker"
	memorypkg "github.com/drblury/mqbridge/internal/bridge/broker/memory"
	configpkg "github.com/drblury/mqbridge/internal/bridge/config"
	envelopepkg "github.com/drblury/mqbridge/internal/bridge/envelope"
	errspkg "github.com/drblury/mqbridge/internal/bridge/errors"
	journalpkg "github.com/drblury/mqbridge/internal/bridge/journal"
	jsoncodecpkg "github.com/drblury/mqbridge/internal/bridge/jsoncodec"
	loggingpkg "github.com/drblury/mqbridge/internal/bridge/logging"
	poolpkg "github.com/drblury/mqbridge/internal/bridge/pool"
)

type (
	Config       = configpkg.Config
	Bridge       = bridgepkg.Bridge
	Dependencies = bridgepkg.Dependencies
	Client       = bridgepkg.Client
	Response     = bridgepkg.Response
	CallOption   = bridgepkg.CallOption

	Handler         = bridgepkg.Handler
	HandlerFunc     = bridgepkg.HandlerFunc
	CallContext     = bridgepkg.CallContext
	Result          = bridgepkg.Result
	BackendFactory  = bridgepkg.BackendFactory
	BackendRegistry = bridgepkg.BackendRegistry
	MockHandler     = bridgepkg.MockHandler

	Middleware             = bridgepkg.Middleware
	MiddlewareRegistration = bridgepkg.MiddlewareRegistration

	// Dispatch lifecycle hooks
	DispatchContext = bridgepkg.DispatchContext
	DispatchHooks   = bridgepkg.DispatchHooks

	Metrics = bridgepkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Wire envelope types
	BackendMessage      = envelopepkg.BackendMessage
	OutboundCallContext = envelopepkg.OutboundCallContext
	InboundCallContext  = envelopepkg.InboundCallContext
	Status              = envelopepkg.Status

	RemoteError = errspkg.RemoteError

	// Broker abstraction, for custom dialers and the in-memory broker
	BrokerConnection = brokerpkg.Connection
	BrokerChannel    = brokerpkg.Channel
	BrokerDialer     = brokerpkg.Dialer
	MemoryBroker     = memorypkg.Broker

	// Connection pool
	Pool       = poolpkg.Pool
	PoolConfig = poolpkg.Config

	// Call journal
	Journal      = journalpkg.Store
	JournalEntry = journalpkg.Entry
)

var (
	New = bridgepkg.New

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMockHandler     = bridgepkg.NewMockHandler
	NewBackendRegistry = bridgepkg.NewBackendRegistry
	RegisterBackend    = bridgepkg.RegisterBackend
	Success            = bridgepkg.Success
	Failure            = bridgepkg.Failure

	DefaultMiddlewares       = bridgepkg.DefaultMiddlewares
	LoggingMiddleware        = bridgepkg.LoggingMiddleware
	HandlerMetricsMiddleware = bridgepkg.HandlerMetricsMiddleware
	TracingMiddleware        = bridgepkg.TracingMiddleware
	RecovererMiddleware      = bridgepkg.RecovererMiddleware

	NewMetrics = bridgepkg.NewMetrics

	WithTimeout        = bridgepkg.WithTimeout
	WithSessionID      = bridgepkg.WithSessionID
	WithUser           = bridgepkg.WithUser
	WithConsumerID     = bridgepkg.WithConsumerID
	WithGeneralContext = bridgepkg.WithGeneralContext

	NewMemoryBroker = memorypkg.New
	DialAMQP        = brokerpkg.DialAMQP

	OpenJournal = journalpkg.Open

	AsRemoteError = errspkg.AsRemoteError

	// JSON codec helpers backing the wire envelopes
	Marshal       = jsoncodecpkg.Marshal
	MarshalIndent = jsoncodecpkg.MarshalIndent
	Unmarshal     = jsoncodecpkg.Unmarshal
	ValidJSON     = jsoncodecpkg.Valid
)

// Reserved operation names answered by the dispatcher itself.
const (
	OpHealthCheck = bridgepkg.OpHealthCheck
	OpAdapterInfo = bridgepkg.OpAdapterInfo
)

// Call outcome sentinels.
var (
	ErrPoolExhausted     = errspkg.ErrPoolExhausted
	ErrBrokerUnavailable = errspkg.ErrBrokerUnavailable
	ErrCallTimeout       = errspkg.ErrCallTimeout
	ErrTransport         = errspkg.ErrTransport
	ErrDecode            = errspkg.ErrDecode
	ErrPoolClosed        = errspkg.ErrPoolClosed
	ErrBridgeClosed      = errspkg.ErrBridgeClosed
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
)
