package interceptor

import (
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/logging"
	"github.com/unfazed-dev/nexus-store-sub009/metrics"
)

const startedAtKey = "interceptor:started_at"

// LoggingInterceptor logs every operation with its duration and outcome.
type LoggingInterceptor struct {
	Base
	Logger *logging.Logger
}

func NewLoggingInterceptor(logger *logging.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LoggingInterceptor{Logger: logger}
}

func (l *LoggingInterceptor) Name() string { return "logging" }

func (l *LoggingInterceptor) Before(op *OpContext) (*Response, error) {
	op.Bag[startedAtKey] = time.Now()
	return nil, nil
}

func (l *LoggingInterceptor) After(op *OpContext, result any) (any, error) {
	l.Logger.LogOperation(op.Ctx, string(op.Op), op.Entity, l.elapsed(op), nil)
	return result, nil
}

func (l *LoggingInterceptor) OnError(op *OpContext, err error) error {
	l.Logger.LogOperation(op.Ctx, string(op.Op), op.Entity, l.elapsed(op), err)
	return err
}

func (l *LoggingInterceptor) elapsed(op *OpContext) time.Duration {
	if started, ok := op.Bag[startedAtKey].(time.Time); ok {
		return time.Since(started)
	}
	return 0
}

// MetricsInterceptor records operation counters and durations.
type MetricsInterceptor struct {
	Base
	Metrics *metrics.Metrics
}

func NewMetricsInterceptor(m *metrics.Metrics) *MetricsInterceptor {
	return &MetricsInterceptor{Metrics: m}
}

func (m *MetricsInterceptor) Name() string { return "metrics" }

func (m *MetricsInterceptor) Before(op *OpContext) (*Response, error) {
	op.Bag[startedAtKey] = time.Now()
	return nil, nil
}

func (m *MetricsInterceptor) After(op *OpContext, result any) (any, error) {
	m.observe(op, nil)
	return result, nil
}

func (m *MetricsInterceptor) OnError(op *OpContext, err error) error {
	m.observe(op, err)
	return err
}

func (m *MetricsInterceptor) observe(op *OpContext, err error) {
	var d time.Duration
	if started, ok := op.Bag[startedAtKey].(time.Time); ok {
		d = time.Since(started)
	}
	m.Metrics.ObserveOp(op.Entity, string(op.Op), op.Policy, err, d)
}

// AuthContextInterceptor copies the acting principal from the request context
// into the op bag so downstream hooks and audit see it.
type AuthContextInterceptor struct {
	Base
}

func NewAuthContextInterceptor() *AuthContextInterceptor {
	return &AuthContextInterceptor{}
}

func (a *AuthContextInterceptor) Name() string { return "auth_context" }

func (a *AuthContextInterceptor) Before(op *OpContext) (*Response, error) {
	if actor := logging.GetActorID(op.Ctx); actor != "" {
		op.Bag["actor_id"] = actor
	}
	return nil, nil
}
