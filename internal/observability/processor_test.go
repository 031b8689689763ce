package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentrt/harness/pkg/models"
)

type recordingExporter struct {
	mu      sync.Mutex
	started []TurnContext
	tools   []string
	model   []models.Usage
	ended   []TurnContext
}

func (r *recordingExporter) StartTurn(_ context.Context, turn TurnContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, turn)
	return nil
}

func (r *recordingExporter) RecordToolExecution(_ context.Context, _ TurnContext, exec ToolExecutionContext, success bool, _ string, _ models.ToolOutput, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := exec.ToolName
	if !success {
		label += ":blocked"
	}
	r.tools = append(r.tools, label)
	return nil
}

func (r *recordingExporter) RecordModelCall(_ context.Context, _ TurnContext, usage models.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = append(r.model, usage)
	return nil
}

func (r *recordingExporter) EndTurn(_ context.Context, turn TurnContext, _ models.Usage, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, turn)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessor_ForwardsEventsAndRecordsToolExecution(t *testing.T) {
	exp := &recordingExporter{}
	var forwarded []models.AgentEvent
	var fmu sync.Mutex
	p := NewProcessor(exp, func(ev models.AgentEvent) {
		fmu.Lock()
		forwarded = append(forwarded, ev)
		fmu.Unlock()
	})

	ctx := context.Background()
	p.Handle(ctx, models.AgentEvent{Type: models.EventToolStart, RunID: "run-1", ToolStart: &models.ToolStartPayload{CallID: "c1", Name: "bash"}})
	waitFor(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.started) == 1
	})

	p.Handle(ctx, models.AgentEvent{Type: models.EventToolEnd, RunID: "run-1", ToolEnd: &models.ToolEndPayload{CallID: "c1", Name: "bash", Result: models.ToolOutput{Success: true}}})

	exp.mu.Lock()
	if len(exp.tools) != 1 || exp.tools[0] != "bash" {
		t.Fatalf("tools = %v, want [bash]", exp.tools)
	}
	exp.mu.Unlock()

	fmu.Lock()
	if len(forwarded) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(forwarded))
	}
	fmu.Unlock()
}

func TestProcessor_ToolBlockedRecordsFailure(t *testing.T) {
	exp := &recordingExporter{}
	p := NewProcessor(exp, func(models.AgentEvent) {})
	ctx := context.Background()

	p.Handle(ctx, models.AgentEvent{Type: models.EventToolStart, RunID: "run-1", ToolStart: &models.ToolStartPayload{CallID: "c1", Name: "write_file"}})
	waitFor(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.started) == 1
	})

	p.Handle(ctx, models.AgentEvent{Type: models.EventToolBlocked, RunID: "run-1", ToolBlocked: &models.ToolBlockedPayload{CallID: "c1", Name: "write_file"}})

	exp.mu.Lock()
	defer exp.mu.Unlock()
	if len(exp.tools) != 1 || exp.tools[0] != "write_file:blocked" {
		t.Fatalf("tools = %v, want [write_file:blocked]", exp.tools)
	}
}

func TestProcessor_ErrorDrainsPendingTools(t *testing.T) {
	exp := &recordingExporter{}
	p := NewProcessor(exp, func(models.AgentEvent) {})
	ctx := context.Background()

	p.Handle(ctx, models.AgentEvent{Type: models.EventToolStart, RunID: "run-1", ToolStart: &models.ToolStartPayload{CallID: "c1", Name: "shell"}})
	p.Handle(ctx, models.AgentEvent{Type: models.EventToolStart, RunID: "run-1", ToolStart: &models.ToolStartPayload{CallID: "c2", Name: "shell"}})
	waitFor(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.started) == 1
	})

	p.Handle(ctx, models.AgentEvent{Type: models.EventError, RunID: "run-1", Error: &models.ErrorPayload{Content: "boom"}})

	waitFor(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.tools) == 2
	})
}

func TestProcessor_Degraded(t *testing.T) {
	p := NewProcessor(failingExporter{}, func(models.AgentEvent) {})
	degraded := make(chan struct{}, 1)
	p.Degraded = func() {
		select {
		case degraded <- struct{}{}:
		default:
		}
	}

	p.Handle(context.Background(), models.AgentEvent{Type: models.EventApiComplete, RunID: "run-1", ApiComplete: &models.ApiCompletePayload{}})

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Degraded callback after exhausting retries")
	}
}

type failingExporter struct{ NoOpExporter }

func (failingExporter) RecordModelCall(context.Context, TurnContext, models.Usage) error {
	return context.DeadlineExceeded
}
