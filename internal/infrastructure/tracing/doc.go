/*
Package tracing attaches trace ids to HTTP requests and websocket
connections so a request can be followed through the logs.

# Usage

	tracer := tracing.New(logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	// later, in a handler
	log.Info("attached", tracing.Field(c.Request.Context()))

Callers may continue a trace by sending X-Trace-ID (and optionally
X-Span-ID); otherwise a new trace id is generated. Both ids are echoed
in the response headers. Finished spans are logged at debug level, or at
warn level when the handler failed with a server error.
*/
package tracing
