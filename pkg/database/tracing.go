package database

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/utafrali/BackplaneGo/pkg/database"

// slowQueryPolicy is swapped atomically so TraceQuery reads it without
// locking on the query path.
type slowQueryPolicy struct {
	threshold time.Duration
	logger    *slog.Logger
}

var slowQueries atomic.Pointer[slowQueryPolicy]

// SetSlowQueryLogging turns on slow query warnings: any traced query running
// at least threshold gets logged with its operation name, SQL and duration.
// A zero threshold or nil logger disables the warnings.
func SetSlowQueryLogging(threshold time.Duration, logger *slog.Logger) {
	slowQueries.Store(&slowQueryPolicy{threshold: threshold, logger: logger})
}

// getSlowQueryConfig returns the active slow query threshold and logger.
func getSlowQueryConfig() (time.Duration, *slog.Logger) {
	p := slowQueries.Load()
	if p == nil {
		return 0, nil
	}
	return p.threshold, p.logger
}

// TraceQuery opens a client span around one database operation. The caller
// must invoke the returned func with the operation's error once it finishes:
//
//	ctx, end := database.TraceQuery(ctx, "GetOutboxEvent", "SELECT * FROM outbox_events WHERE event_id = $1")
//	defer func() { end(err) }()
//
// The span records the error and, when SetSlowQueryLogging is active, the
// finished query is checked against the slow query threshold.
func TraceQuery(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.statement", statement),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		logIfSlow(ctx, operation, statement, time.Since(start), err)
	}
}

func logIfSlow(ctx context.Context, operation, statement string, elapsed time.Duration, err error) {
	threshold, logger := getSlowQueryConfig()
	if threshold <= 0 || logger == nil || elapsed < threshold {
		return
	}
	attrs := []any{
		slog.String("operation", operation),
		slog.String("statement", statement),
		slog.Duration("duration", elapsed),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.WarnContext(ctx, "slow query detected", attrs...)
}
