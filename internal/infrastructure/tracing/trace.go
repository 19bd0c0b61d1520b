package tracing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// Header names used for trace propagation.
const (
	TraceHeader = "X-Trace-ID"
	SpanHeader  = "X-Span-ID"
)

// maxIDLen bounds caller supplied ids so headers cannot bloat the logs.
const maxIDLen = 64

// TraceID identifies one request flow.
type TraceID string

// SpanID identifies one operation within a trace.
type SpanID string

// Span represents a single traced operation.
type Span struct {
	TraceID    TraceID
	SpanID     SpanID
	ParentID   SpanID
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Tags       map[string]string
	Error      error
	StatusCode int
}

// Tracer records finished spans to the log.
type Tracer struct {
	logger *logging.Logger
	gen    *id.Generator
}

// New creates a tracer writing spans through logger.
func New(logger *logging.Logger) *Tracer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracer{logger: logger.Named("trace"), gen: id.Default()}
}

// StartSpan opens a span, continuing the trace carried by ctx if any.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = TraceID(t.gen.GenerateWithPrefix("tr"))
	}
	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(t.gen.GenerateWithPrefix("sp")),
		ParentID:  GetSpanID(ctx),
		Name:      name,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus sets the HTTP status code
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

// Finish closes the span and logs it. Server errors log at warn, the rest
// at debug so request traffic stays out of production logs.
func (t *Tracer) Finish(s *Span) {
	s.Duration = time.Since(s.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", string(s.TraceID)),
		zap.String("span_id", string(s.SpanID)),
		zap.String("operation", s.Name),
		zap.Duration("duration", s.Duration),
	}
	if s.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(s.ParentID)))
	}
	if s.StatusCode != 0 {
		fields = append(fields, zap.Int("status", s.StatusCode))
	}
	for k, v := range s.Tags {
		fields = append(fields, zap.String(k, v))
	}

	if s.Error != nil || s.StatusCode >= 500 {
		if s.Error != nil {
			fields = append(fields, zap.Error(s.Error))
		}
		t.logger.Warn("span completed with error", fields...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// WithTrace returns ctx carrying the given trace and parent span.
func WithTrace(ctx context.Context, traceID TraceID, parent SpanID) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if parent != "" {
		ctx = context.WithValue(ctx, spanIDKey, parent)
	}
	return ctx
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) TraceID {
	if traceID, ok := ctx.Value(traceIDKey).(TraceID); ok {
		return traceID
	}
	return ""
}

// GetSpanID retrieves the span ID from context
func GetSpanID(ctx context.Context) SpanID {
	if spanID, ok := ctx.Value(spanIDKey).(SpanID); ok {
		return spanID
	}
	return ""
}

// Field returns a zap field for the trace in ctx, or zap.Skip when there is none.
func Field(ctx context.Context) zap.Field {
	if tid := GetTraceID(ctx); tid != "" {
		return zap.String("trace_id", string(tid))
	}
	return zap.Skip()
}

// FormatTrace returns a formatted trace string for logging
func FormatTrace(traceID TraceID, spanID SpanID) string {
	return fmt.Sprintf("[trace:%s span:%s]", traceID, spanID)
}

func sanitize(v string) string {
	if len(v) > maxIDLen {
		return ""
	}
	for _, r := range v {
		if r <= ' ' || r > '~' {
			return ""
		}
	}
	return v
}
