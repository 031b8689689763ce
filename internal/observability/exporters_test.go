package observability

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agentrt/harness/pkg/models"
)

func TestSQLExporter_RecordsEventsAsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agent_telemetry_events").WillReturnResult(sqlmock.NewResult(0, 0))

	exporter, err := NewSQLiteExporter(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteExporter: %v", err)
	}

	mock.ExpectExec("INSERT INTO agent_telemetry_events").
		WithArgs("turn-1", "run-1", "start_turn", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := exporter.StartTurn(context.Background(), TurnContext{TurnID: "turn-1", RunID: "run-1"}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	mock.ExpectExec("INSERT INTO agent_telemetry_events").
		WithArgs("turn-1", "run-1", "tool_execution", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	err = exporter.RecordToolExecution(context.Background(), TurnContext{TurnID: "turn-1", RunID: "run-1"},
		ToolExecutionContext{CallID: "c1", ToolName: "bash"}, true, "", models.ToolOutput{Success: true}, time.Second)
	if err != nil {
		t.Fatalf("RecordToolExecution: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCompositeExporter_FansOutToAll(t *testing.T) {
	a := &recordingExporter{}
	b := &recordingExporter{}
	composite := CompositeExporter{Exporters: []Exporter{a, b}}

	if err := composite.StartTurn(context.Background(), TurnContext{TurnID: "t1"}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if len(a.started) != 1 || len(b.started) != 1 {
		t.Fatalf("expected both exporters to receive StartTurn, got a=%d b=%d", len(a.started), len(b.started))
	}
}

func TestCompositeExporter_ReturnsFirstErrorButStillCallsAll(t *testing.T) {
	failing := failingExporter{}
	ok := &recordingExporter{}
	composite := CompositeExporter{Exporters: []Exporter{failing, ok}}

	err := composite.RecordModelCall(context.Background(), TurnContext{}, models.Usage{})
	if err == nil {
		t.Fatal("expected an error from the failing exporter")
	}
	if len(ok.model) != 1 {
		t.Fatal("expected the second exporter to still be called")
	}
}

func TestPrometheusExporter_RecordsWithoutPanicking(t *testing.T) {
	metrics := NewMetrics()
	exporter := NewPrometheusExporter(metrics)

	turn := TurnContext{TurnID: "t1", StartedAt: time.Now().Add(-time.Second)}
	if err := exporter.RecordToolExecution(context.Background(), turn, ToolExecutionContext{ToolName: "bash"}, true, "", models.ToolOutput{}, 10*time.Millisecond); err != nil {
		t.Fatalf("RecordToolExecution: %v", err)
	}
	if err := exporter.RecordModelCall(context.Background(), turn, models.Usage{InputTokens: 10, OutputTokens: 5}); err != nil {
		t.Fatalf("RecordModelCall: %v", err)
	}
	if err := exporter.EndTurn(context.Background(), turn, models.Usage{}, 100); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
}
