package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrt/harness/internal/backoff"
	"github.com/agentrt/harness/pkg/models"
)

// TurnContext tracks one turn of a session's event stream from its first
// event to its turn_complete/error/cancelled terminator.
type TurnContext struct {
	TurnID      string
	RunID       string
	StartedAt   time.Time
	ToolCalls   int
	UsageBefore models.Usage
}

// ToolExecutionContext tracks one in-flight tool call between its
// tool_start and its tool_end/tool_blocked.
type ToolExecutionContext struct {
	CallID    string
	ToolName  string
	StartedAt time.Time
}

// Exporter receives the Processor's derived telemetry. Every method must
// be safe to call concurrently and must never block the agent loop for
// long; the Processor retries a failed call with backoff and reports
// degradation when the retries run out.
type Exporter interface {
	StartTurn(ctx context.Context, turn TurnContext) error
	RecordToolExecution(ctx context.Context, turn TurnContext, exec ToolExecutionContext, success bool, errMsg string, result models.ToolOutput, duration time.Duration) error
	RecordModelCall(ctx context.Context, turn TurnContext, usage models.Usage) error
	EndTurn(ctx context.Context, turn TurnContext, usage models.Usage, contextSize int) error
}

// Processor wraps a Session's models.AgentEvent stream: it forwards
// every event unchanged to Downstream while deriving TurnContext and
// ToolExecutionContext bookkeeping and routing derived telemetry to
// Exporter. Telemetry failures never abort a run; On exhausting retries
// a Processor calls Degraded (if set) and continues forwarding
// events.
type Processor struct {
	Exporter   Exporter
	Downstream func(models.AgentEvent)

	// Degraded is invoked (at most once per degradation) when the
	// exporter has exhausted its retry budget, so the caller can stamp
	// telemetry_degraded into session metadata per §4.9.
	Degraded func()

	mu        sync.Mutex
	turn      *TurnContext
	pending   map[string]*ToolExecutionContext
	order     []string
	lastUsage models.Usage
	degraded  bool
}

// NewProcessor wraps exporter, forwarding every event to downstream.
func NewProcessor(exporter Exporter, downstream func(models.AgentEvent)) *Processor {
	return &Processor{
		Exporter:   exporter,
		Downstream: downstream,
		pending:    make(map[string]*ToolExecutionContext),
	}
}

// AsEventHandler adapts Handle to the single-argument callback shape a
// Session expects for its onEvent parameter, binding ctx for the
// lifetime of the returned closure.
func (p *Processor) AsEventHandler(ctx context.Context) func(models.AgentEvent) {
	return func(ev models.AgentEvent) { p.Handle(ctx, ev) }
}

// Handle processes one event: update turn/tool bookkeeping, call the
// exporter, and forward the event downstream regardless of exporter
// outcome.
func (p *Processor) Handle(ctx context.Context, ev models.AgentEvent) {
	p.mu.Lock()
	switch ev.Type {
	case models.EventToolStart:
		p.ensureTurn(ev.RunID)
		p.turn.ToolCalls++
		exec := &ToolExecutionContext{
			CallID:    ev.ToolStart.CallID,
			ToolName:  ev.ToolStart.Name,
			StartedAt: time.Now(),
		}
		if exec.CallID != "" {
			p.pending[exec.CallID] = exec
		}
		p.order = append(p.order, exec.CallID)
		p.mu.Unlock()

	case models.EventToolEnd:
		exec, turn := p.popTool(ev.ToolEnd.CallID)
		p.mu.Unlock()
		if exec != nil && turn != nil {
			p.record(ctx, *turn, *exec, ev.ToolEnd.Result.Success, "", ev.ToolEnd.Result, ev.ToolEnd.Duration)
		}

	case models.EventToolBlocked:
		exec, turn := p.popTool(ev.ToolBlocked.CallID)
		p.mu.Unlock()
		if exec != nil && turn != nil {
			p.record(ctx, *turn, *exec, false, "Blocked by user", models.ToolOutput{}, time.Since(exec.StartedAt))
		}

	case models.EventApiComplete:
		p.ensureTurn(ev.RunID)
		turn := *p.turn
		p.mu.Unlock()
		p.callExporter(func() error { return p.Exporter.RecordModelCall(ctx, turn, ev.ApiComplete.Usage) })

	case models.EventTurnComplete:
		turn := p.turn
		p.mu.Unlock()
		if turn != nil {
			delta := subtractUsage(ev.TurnComplete.Usage, turn.UsageBefore)
			p.callExporter(func() error { return p.Exporter.EndTurn(ctx, *turn, delta, ev.TurnComplete.ContextSize) })
		}
		p.mu.Lock()
		p.turn = nil
		p.pending = make(map[string]*ToolExecutionContext)
		p.order = nil
		p.lastUsage = ev.TurnComplete.Usage
		p.mu.Unlock()

	case models.EventError, models.EventCancelled:
		p.drainAllPending(ctx)
		p.mu.Unlock()

	default:
		p.mu.Unlock()
	}

	if p.Downstream != nil {
		p.Downstream(ev)
	}
}

func (p *Processor) ensureTurn(runID string) {
	if p.turn != nil {
		return
	}
	p.turn = &TurnContext{TurnID: runID, RunID: runID, StartedAt: time.Now(), UsageBefore: p.lastUsage}
	go p.callExporter(func() error { return p.Exporter.StartTurn(context.Background(), *p.turn) })
}

func (p *Processor) popTool(callID string) (*ToolExecutionContext, *TurnContext) {
	if p.turn == nil {
		return nil, nil
	}
	turn := p.turn
	if callID != "" {
		if exec, ok := p.pending[callID]; ok {
			delete(p.pending, callID)
			return exec, turn
		}
	}
	// Fallback: FIFO when ids are absent or unmatched.
	for i, id := range p.order {
		if exec, ok := p.pending[id]; ok {
			delete(p.pending, id)
			p.order = append(p.order[:i], p.order[i+1:]...)
			return exec, turn
		}
	}
	return nil, turn
}

func (p *Processor) drainAllPending(ctx context.Context) {
	if p.turn == nil {
		return
	}
	turn := *p.turn
	for _, id := range p.order {
		exec, ok := p.pending[id]
		if !ok {
			continue
		}
		delete(p.pending, id)
		e := *exec
		go p.record(ctx, turn, e, false, "run terminated", models.ToolOutput{}, time.Since(e.StartedAt))
	}
	p.order = nil
}

func (p *Processor) record(ctx context.Context, turn TurnContext, exec ToolExecutionContext, success bool, errMsg string, result models.ToolOutput, duration time.Duration) {
	p.callExporter(func() error {
		return p.Exporter.RecordToolExecution(ctx, turn, exec, success, errMsg, result, duration)
	})
}

// callExporter retries a telemetry write with the default backoff policy
// and flags degradation (once) if every attempt fails. Telemetry failure
// never propagates to the caller.
func (p *Processor) callExporter(fn func() error) {
	_, err := backoff.RetryWithBackoff(context.Background(), backoff.DefaultPolicy(), 3, func(attempt int) (struct{}, error) {
		return struct{}{}, fn()
	})
	if err != nil {
		p.mu.Lock()
		already := p.degraded
		p.degraded = true
		p.mu.Unlock()
		if !already && p.Degraded != nil {
			p.Degraded()
		}
	}
}

func subtractUsage(total, before models.Usage) models.Usage {
	delta := models.Usage{
		InputTokens:     total.InputTokens - before.InputTokens,
		OutputTokens:    total.OutputTokens - before.OutputTokens,
		CachedTokens:    total.CachedTokens - before.CachedTokens,
		ReasoningTokens: total.ReasoningTokens - before.ReasoningTokens,
		CostUSD:         total.CostUSD - before.CostUSD,
	}
	if delta.InputTokens < 0 {
		delta.InputTokens = 0
	}
	if delta.OutputTokens < 0 {
		delta.OutputTokens = 0
	}
	if delta.CachedTokens < 0 {
		delta.CachedTokens = 0
	}
	if delta.ReasoningTokens < 0 {
		delta.ReasoningTokens = 0
	}
	if delta.CostUSD < 0 {
		delta.CostUSD = 0
	}
	return delta
}

// NoOpExporter discards every event; it is the default when telemetry is
// not configured.
type NoOpExporter struct{}

func (NoOpExporter) StartTurn(context.Context, TurnContext) error { return nil }
func (NoOpExporter) RecordToolExecution(context.Context, TurnContext, ToolExecutionContext, bool, string, models.ToolOutput, time.Duration) error {
	return nil
}
func (NoOpExporter) RecordModelCall(context.Context, TurnContext, models.Usage) error { return nil }
func (NoOpExporter) EndTurn(context.Context, TurnContext, models.Usage, int) error    { return nil }

// CompositeExporter fans telemetry out to every wrapped Exporter. A
// failure in one does not prevent delivery to the others; the first
// error encountered is returned so the Processor's retry/degradation
// policy still applies.
type CompositeExporter struct {
	Exporters []Exporter
}

func (c CompositeExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	var firstErr error
	for _, e := range c.Exporters {
		if err := e.StartTurn(ctx, turn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c CompositeExporter) RecordToolExecution(ctx context.Context, turn TurnContext, exec ToolExecutionContext, success bool, errMsg string, result models.ToolOutput, duration time.Duration) error {
	var firstErr error
	for _, e := range c.Exporters {
		if err := e.RecordToolExecution(ctx, turn, exec, success, errMsg, result, duration); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c CompositeExporter) RecordModelCall(ctx context.Context, turn TurnContext, usage models.Usage) error {
	var firstErr error
	for _, e := range c.Exporters {
		if err := e.RecordModelCall(ctx, turn, usage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c CompositeExporter) EndTurn(ctx context.Context, turn TurnContext, usage models.Usage, contextSize int) error {
	var firstErr error
	for _, e := range c.Exporters {
		if err := e.EndTurn(ctx, turn, usage, contextSize); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SQLExporter persists turn/tool/model telemetry to a single-table
// schema shared by SQLite and Postgres backends, distinguished only by
// placeholder dialect (mirroring internal/runstore's SQLStore).
type SQLExporter struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// NewSQLiteExporter wraps a mattn/go-sqlite3 *sql.DB as an Exporter.
func NewSQLiteExporter(ctx context.Context, db *sql.DB) (*SQLExporter, error) {
	return newSQLExporter(ctx, db, "sqlite")
}

// NewPostgresExporter wraps a lib/pq *sql.DB as an Exporter.
func NewPostgresExporter(ctx context.Context, db *sql.DB) (*SQLExporter, error) {
	return newSQLExporter(ctx, db, "postgres")
}

func newSQLExporter(ctx context.Context, db *sql.DB, dialect string) (*SQLExporter, error) {
	e := &SQLExporter{db: db, dialect: dialect}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_telemetry_events (
			turn_id    TEXT NOT NULL,
			run_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("observability: migrate telemetry table: %w", err)
	}
	return e, nil
}

func (e *SQLExporter) ph(n int) string {
	if e.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (e *SQLExporter) insert(ctx context.Context, turnID, runID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("observability: marshal telemetry payload: %w", err)
	}
	query := fmt.Sprintf(
		"INSERT INTO agent_telemetry_events (turn_id, run_id, kind, payload, recorded_at) VALUES (%s, %s, %s, %s, CURRENT_TIMESTAMP)",
		e.ph(1), e.ph(2), e.ph(3), e.ph(4),
	)
	if _, err := e.db.ExecContext(ctx, query, turnID, runID, kind, string(data)); err != nil {
		return fmt.Errorf("observability: insert telemetry event: %w", err)
	}
	return nil
}

func (e *SQLExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	return e.insert(ctx, turn.TurnID, turn.RunID, "start_turn", turn)
}

func (e *SQLExporter) RecordToolExecution(ctx context.Context, turn TurnContext, exec ToolExecutionContext, success bool, errMsg string, result models.ToolOutput, duration time.Duration) error {
	return e.insert(ctx, turn.TurnID, turn.RunID, "tool_execution", map[string]any{
		"call_id":  exec.CallID,
		"tool":     exec.ToolName,
		"success":  success,
		"error":    errMsg,
		"duration": duration.String(),
	})
}

func (e *SQLExporter) RecordModelCall(ctx context.Context, turn TurnContext, usage models.Usage) error {
	return e.insert(ctx, turn.TurnID, turn.RunID, "model_call", usage)
}

func (e *SQLExporter) EndTurn(ctx context.Context, turn TurnContext, usage models.Usage, contextSize int) error {
	return e.insert(ctx, turn.TurnID, turn.RunID, "end_turn", map[string]any{
		"usage":        usage,
		"context_size": contextSize,
	})
}

// OTLPExporter maps turns to spans and tool executions to child spans,
// using the Tracer already wired for the rest of the harness's OTLP
// export path.
type OTLPExporter struct {
	tracer *Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
	ctxs  map[string]context.Context
}

// NewOTLPExporter wraps an existing Tracer as an Exporter.
func NewOTLPExporter(tracer *Tracer) *OTLPExporter {
	return &OTLPExporter{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
		ctxs:   make(map[string]context.Context),
	}
}

func (o *OTLPExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	spanCtx, span := o.tracer.Start(ctx, "agent.turn", SpanOptions{
		Attributes: []attribute.KeyValue{
			attribute.String("run_id", turn.RunID),
		},
	})
	o.mu.Lock()
	o.spans[turn.TurnID] = span
	o.ctxs[turn.TurnID] = spanCtx
	o.mu.Unlock()
	return nil
}

func (o *OTLPExporter) RecordToolExecution(ctx context.Context, turn TurnContext, exec ToolExecutionContext, success bool, errMsg string, result models.ToolOutput, duration time.Duration) error {
	o.mu.Lock()
	parentCtx, ok := o.ctxs[turn.TurnID]
	o.mu.Unlock()
	if !ok {
		parentCtx = ctx
	}
	_, span := o.tracer.Start(parentCtx, "agent.tool_call", SpanOptions{
		Attributes: []attribute.KeyValue{
			attribute.String("tool_name", exec.ToolName),
			attribute.String("call_id", exec.CallID),
			attribute.Bool("success", success),
		},
	})
	if !success {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
	return nil
}

func (o *OTLPExporter) RecordModelCall(ctx context.Context, turn TurnContext, usage models.Usage) error {
	o.mu.Lock()
	parentCtx, ok := o.ctxs[turn.TurnID]
	o.mu.Unlock()
	if !ok {
		parentCtx = ctx
	}
	_, span := o.tracer.Start(parentCtx, "agent.model_call", SpanOptions{
		Attributes: []attribute.KeyValue{
			attribute.Int64("input_tokens", int64(usage.InputTokens)),
			attribute.Int64("output_tokens", int64(usage.OutputTokens)),
		},
	})
	span.End()
	return nil
}

func (o *OTLPExporter) EndTurn(ctx context.Context, turn TurnContext, usage models.Usage, contextSize int) error {
	o.mu.Lock()
	span, ok := o.spans[turn.TurnID]
	delete(o.spans, turn.TurnID)
	delete(o.ctxs, turn.TurnID)
	o.mu.Unlock()
	if ok {
		span.SetAttributes(attribute.Int("context_size", contextSize))
		span.End()
	}
	return nil
}

// PrometheusExporter publishes counters/histograms for tool-call counts,
// turn duration, and telemetry-degradation counts via the harness's
// existing Metrics registry.
type PrometheusExporter struct {
	metrics *Metrics
}

// NewPrometheusExporter wraps an existing Metrics registry as an Exporter.
func NewPrometheusExporter(metrics *Metrics) *PrometheusExporter {
	return &PrometheusExporter{metrics: metrics}
}

func (p *PrometheusExporter) StartTurn(context.Context, TurnContext) error { return nil }

func (p *PrometheusExporter) RecordToolExecution(_ context.Context, _ TurnContext, exec ToolExecutionContext, success bool, _ string, _ models.ToolOutput, duration time.Duration) error {
	status := "success"
	if !success {
		status = "error"
	}
	p.metrics.ToolExecutionCounter.WithLabelValues(exec.ToolName, status).Inc()
	p.metrics.ToolExecutionDuration.WithLabelValues(exec.ToolName).Observe(duration.Seconds())
	return nil
}

func (p *PrometheusExporter) RecordModelCall(_ context.Context, _ TurnContext, usage models.Usage) error {
	p.metrics.LLMTokensUsed.WithLabelValues("agent", "agent", "prompt").Add(float64(usage.InputTokens))
	p.metrics.LLMTokensUsed.WithLabelValues("agent", "agent", "completion").Add(float64(usage.OutputTokens))
	return nil
}

func (p *PrometheusExporter) EndTurn(_ context.Context, turn TurnContext, _ models.Usage, _ int) error {
	p.metrics.SessionDuration.WithLabelValues("agent").Observe(time.Since(turn.StartedAt).Seconds())
	return nil
}
