// Package observability provides logging, metrics, and tracing for
// avaserve.
//
// # Logging
//
// The Logger interface wraps zap. Components receive one through a
// WithLogger option and default to NopLogger:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.WithContext(ctx).Info("request served",
//	    observability.String("method", "GET"),
//	    observability.Int("status", 200),
//	)
//
// WithContext adds the request ID, the matched rule and the active
// OpenTelemetry trace and span IDs.
//
// # Metrics
//
// Metrics owns a custom Prometheus registry. Component packages register
// their collectors into it so that one /metrics endpoint exposes all of
// them:
//
//	metrics := observability.NewMetrics("avaserve")
//	router.GetRouterMetrics().MustRegister(metrics.Registry())
//
// # Tracing
//
// NewTracer installs an OpenTelemetry provider exporting over OTLP gRPC
// when enabled, and a no-op tracer otherwise.
package observability
