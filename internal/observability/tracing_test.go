package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "test-harness",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name: "without endpoint (no-op)",
			config: TraceConfig{
				ServiceName:    "test-harness",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "test-harness",
				SamplingRate: 0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTracerStart(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-harness"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "agent.turn")
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}
}

func TestTracerStartWithSpanOptions(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-harness"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "agent.tool_call", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("tool_name", "exec"),
			attribute.Int("attempt", 1),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("Start() with SpanOptions returned nil span")
	}
}

func TestNestedSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-harness"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	turnCtx, turnSpan := tracer.Start(ctx, "agent.turn")
	defer turnSpan.End()

	_, toolSpan := tracer.Start(turnCtx, "agent.tool_call")
	defer toolSpan.End()

	if turnCtx == nil {
		t.Error("expected valid turn context")
	}
}

func TestTracerWithEnvironment(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName:    "test-harness",
		ServiceVersion: "1.0.0",
		Environment:    "production",
	})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
}

func TestTracerWithCustomAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-harness",
		Attributes: map[string]string{
			"region": "us-east-1",
			"tier":   "eval",
		},
	})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
}

func TestTracerSamplingRates(t *testing.T) {
	tests := []struct {
		name         string
		samplingRate float64
	}{
		{"always sample", 1.0},
		{"never sample", 0.0},
		{"50% sample", 0.5},
		{"10% sample", 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(TraceConfig{
				ServiceName:  "test-harness",
				SamplingRate: tt.samplingRate,
			})
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}

			ctx := context.Background()
			for i := 0; i < 10; i++ {
				_, span := tracer.Start(ctx, "agent.turn")
				span.End()
			}
		})
	}
}

func TestMultipleTracersIndependent(t *testing.T) {
	tracer1, shutdown1 := NewTracer(TraceConfig{ServiceName: "service-1"})
	defer func() { _ = shutdown1(context.Background()) }()

	tracer2, shutdown2 := NewTracer(TraceConfig{ServiceName: "service-2"})
	defer func() { _ = shutdown2(context.Background()) }()

	ctx := context.Background()

	_, span1 := tracer1.Start(ctx, "agent.turn")
	defer span1.End()

	_, span2 := tracer2.Start(ctx, "agent.turn")
	defer span2.End()

	if span1 == nil || span2 == nil {
		t.Error("expected both spans to be created")
	}
}

func TestTracerShutdown(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-harness"})

	ctx := context.Background()
	_, span := tracer.Start(ctx, "agent.turn")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}
