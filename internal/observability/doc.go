// Package observability turns the agent event stream into the three
// pillars of operational visibility for the harness: Prometheus metrics,
// redacted structured logs, and OpenTelemetry spans.
//
// # Overview
//
//  1. Metrics — Prometheus counters/histograms (Metrics, PrometheusExporter)
//  2. Logging — structured logs with sensitive-data redaction (Logger)
//  3. Tracing — OpenTelemetry spans around turns, tool calls, model calls (Tracer, OTLPExporter)
//
// Processor ties these together: it watches a session's models.AgentEvent
// stream, derives TurnContext/ToolExecutionContext state from it, and calls
// an Exporter at each turn/tool/model-call boundary. NoOpExporter,
// CompositeExporter, SQLExporter, OTLPExporter, and PrometheusExporter all
// implement Exporter; a deployment composes the ones it wants.
//
// # Metrics
//
//	metrics := observability.NewMetrics()
//	exporter := observability.NewPrometheusExporter(metrics)
//	processor := observability.NewProcessor(exporter, downstream)
//
// Metrics tracks turn duration, tool executions by name and outcome, tool
// duration, and model token usage — see metrics.go for the
// exact series.
//
// # Logging
//
// Logging is built on log/slog with:
//
//   - session ID correlation pulled from context (AddSessionID)
//
//   - sensitive-data redaction (API keys, passwords, bearer tokens, JWTs)
//
//   - JSON output for production, text for local runs
//
//	logger := observability.NewLogger(observability.LogConfig{
//		Level:  os.Getenv("HARNESS_LOG_LEVEL"),
//		Format: os.Getenv("HARNESS_LOG_FORMAT"),
//	})
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "tool executed", "tool", name, "duration_ms", ms)
//	logger.Error(ctx, "model call failed", "error", err, "api_key", key) // api_key redacted
//
// # Tracing
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//		ServiceName:  "harness",
//		Endpoint:     os.Getenv("OTEL_ENDPOINT"), // empty endpoint = no-op tracer
//		SamplingRate: 0.1,
//	})
//	defer shutdown(context.Background())
//	exporter := observability.NewOTLPExporter(tracer)
//
// OTLPExporter opens one span per turn ("agent.turn") with a nested span per
// tool call ("agent.tool_call") and model call ("agent.model_call"), closing
// each in EndTurn/RecordToolExecution/RecordModelCall and recording failures
// via span.SetStatus.
//
// # Security
//
// Logger's DefaultRedactPatterns cover Anthropic/OpenAI API key formats,
// bearer/auth tokens, JWTs, and generic password/secret key-value pairs;
// LogConfig.RedactPatterns appends deployment-specific patterns.
package observability
