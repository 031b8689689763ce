package observability

import (
	"context"
	"testing"
	"time"

	"github.com/agentrt/harness/pkg/models"
)

func TestOTLPExporter_TurnAndToolLifecycle(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "harness-test"})
	defer shutdown(context.Background())

	exporter := NewOTLPExporter(tracer)
	turn := TurnContext{TurnID: "turn-1", RunID: "run-1", StartedAt: time.Now()}

	if err := exporter.StartTurn(context.Background(), turn); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := exporter.RecordToolExecution(context.Background(), turn, ToolExecutionContext{CallID: "c1", ToolName: "bash"}, true, "", models.ToolOutput{}, time.Millisecond); err != nil {
		t.Fatalf("RecordToolExecution: %v", err)
	}
	if err := exporter.RecordModelCall(context.Background(), turn, models.Usage{InputTokens: 5}); err != nil {
		t.Fatalf("RecordModelCall: %v", err)
	}
	if err := exporter.EndTurn(context.Background(), turn, models.Usage{}, 10); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if len(exporter.spans) != 0 {
		t.Errorf("expected span map to be cleaned up after EndTurn, got %d entries", len(exporter.spans))
	}
}
