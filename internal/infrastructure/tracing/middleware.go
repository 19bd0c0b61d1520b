package tracing

import (
	"github.com/gin-gonic/gin"
)

// HTTPMiddleware traces each request. Incoming X-Trace-ID and X-Span-ID
// headers continue an existing trace, and the response carries the ids.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithTrace(c.Request.Context(),
			TraceID(sanitize(c.GetHeader(TraceHeader))),
			SpanID(sanitize(c.GetHeader(SpanHeader))),
		)

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+name)
		span.SetTag("client_ip", c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		c.Header(TraceHeader, string(span.TraceID))
		c.Header(SpanHeader, string(span.SpanID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		tracer.Finish(span)
	}
}
