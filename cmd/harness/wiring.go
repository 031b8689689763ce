package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentrt/harness/internal/agent"
	"github.com/agentrt/harness/internal/agent/providers"
	"github.com/agentrt/harness/internal/config"
	"github.com/agentrt/harness/internal/observability"
	"github.com/agentrt/harness/internal/runstore"
	"github.com/agentrt/harness/internal/signal"
	"github.com/agentrt/harness/internal/tools/subagent"
	"github.com/agentrt/harness/pkg/models"
)

// buildProvider selects an agent.LLMProvider from a ProviderConfig's Kind
// discriminator.
func buildProvider(cfg config.ProviderConfig) (agent.LLMProvider, error) {
	switch cfg.Kind {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(cfg.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("harness: unknown provider kind %q", cfg.Kind)
	}
}

// buildAgent assembles the top-level Agent named by cfg: it resolves the
// capability profile, wires a Factory whose DelegateFactory spawns
// restricted sub-agents that can never re-acquire "delegate" themselves,
// and builds the tool registry.
func buildAgent(cfg *config.AgentConfig) (*agent.Agent, error) {
	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	factory := agent.NewFactory()
	profile, err := cfg.ResolveProfile(factory)
	if err != nil {
		return nil, fmt.Errorf("harness: resolve profile: %w", err)
	}

	ag := &agent.Agent{
		SystemPrompt:   cfg.SystemPrompt,
		Model:          cfg.Model,
		Profile:        profile,
		WorkingDir:     cfg.WorkingDir,
		Provider:       provider,
		MaxOutputChars: cfg.MaxOutputChars,
		MaxTokens:      cfg.MaxTokens,
		ContextWindow:  cfg.ContextWindow,
		NudgeEnabled:   cfg.NudgeEnabled,
	}

	factory.DelegateFactory = func(workingDir string, childProfile agent.CapabilityProfile) agent.Tool {
		child := *ag
		child.WorkingDir = workingDir
		child.Profile = childProfile
		if childRegistry, err := factory.Build(workingDir, childProfile); err == nil {
			child.Registry = childRegistry
		}
		return subagent.NewDelegateTool(&child)
	}

	registry, err := factory.Build(cfg.WorkingDir, profile)
	if err != nil {
		return nil, fmt.Errorf("harness: build registry: %w", err)
	}
	ag.Registry = registry

	return ag, nil
}

// openRunStore opens the sqlite-backed RunStore a harness process persists
// interrupted runs to, rooted next to the session directories so `resume`
// run from the same --state-dir finds it.
func openRunStore(ctx context.Context, stateDir string) (*runstore.SQLStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("harness: create state dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(stateDir, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("harness: open run store db: %w", err)
	}
	return runstore.NewSQLStore(ctx, db, runstore.DialectSQLite)
}

// resumeTokenSecretEnv names the environment variable a harness process
// reads its resume-token signing secret from. There is no flag for this:
// the secret must never appear in shell history or process argv.
const resumeTokenSecretEnv = "HARNESS_RESUME_TOKEN_SECRET"

func resumeTokenService() (*runstore.ResumeTokenService, error) {
	secret := os.Getenv(resumeTokenSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("harness: %s must be set to mint or validate resume tokens", resumeTokenSecretEnv)
	}
	return runstore.NewResumeTokenService(secret, 0), nil
}

// printEvent renders one AgentEvent to stderr for a human watching the CLI;
// the trace file (via agent.NewState's tracePath) is the durable record.
func printEvent(ev models.AgentEvent) {
	switch ev.Type {
	case models.EventText:
		if ev.Text != nil {
			fmt.Fprint(os.Stderr, ev.Text.Content)
		}
	case models.EventToolStart:
		if ev.ToolStart != nil {
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", ev.ToolStart.Name)
		}
	case models.EventToolBlocked:
		if ev.ToolBlocked != nil {
			fmt.Fprintf(os.Stderr, "\n[blocked] %s rejected\n", ev.ToolBlocked.Name)
		}
	case models.EventError:
		if ev.Error != nil {
			fmt.Fprintf(os.Stderr, "\n[error] %s\n", ev.Error.Content)
		}
	case models.EventInterruption:
		fmt.Fprintln(os.Stderr, "\n[interrupted]")
	}
}

// harnessLogLevelEnv and harnessLogFormatEnv name the environment variables a
// harness process reads its log level and format from; there's no flag for
// these since every subcommand needs them before its own flags are parsed.
const (
	harnessLogLevelEnv  = "HARNESS_LOG_LEVEL"
	harnessLogFormatEnv = "HARNESS_LOG_FORMAT"
)

// harnessLogger builds the structured logger a harness command logs through,
// configured from HARNESS_LOG_LEVEL/HARNESS_LOG_FORMAT.
func harnessLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv(harnessLogLevelEnv),
		Format: os.Getenv(harnessLogFormatEnv),
	})
}

// loggingPrinter wraps printEvent so every rendered event also produces a
// structured log record carrying the session ID pulled from ctx, giving a
// deployment something to ship to a log aggregator alongside the CLI's own
// stderr rendering.
func loggingPrinter(ctx context.Context, logger *observability.Logger) func(models.AgentEvent) {
	return func(ev models.AgentEvent) {
		printEvent(ev)
		switch ev.Type {
		case models.EventError:
			msg := ""
			if ev.Error != nil {
				msg = ev.Error.Content
			}
			logger.Error(ctx, "agent event", "event_type", string(ev.Type), "error", msg)
		case models.EventToolBlocked:
			name := ""
			if ev.ToolBlocked != nil {
				name = ev.ToolBlocked.Name
			}
			logger.Warn(ctx, "agent event", "event_type", string(ev.Type), "tool", name)
		default:
			logger.Debug(ctx, "agent event", "event_type", string(ev.Type))
		}
	}
}

// signalManagerFor returns the Signal Manager rooted at stateDir's "signals"
// subdirectory, the control plane an external `harness cancel`/`pause`
// invocation or monitor would share.
func signalManagerFor(stateDir string) (*signal.Manager, error) {
	return signal.NewManager(filepath.Join(stateDir, "signals"))
}

// observabilityProcessor wraps downstream (the CLI's own rendering) with
// telemetry derivation. A deployment that wants Prometheus/OTLP export
// passes a different Exporter; a bare CLI run uses NoOpExporter.
func observabilityProcessor(downstream func(models.AgentEvent), exporter observability.Exporter) *observability.Processor {
	if exporter == nil {
		exporter = observability.NoOpExporter{}
	}
	return observability.NewProcessor(exporter, downstream)
}

// buildExporter assembles the Exporter a run/resume command feeds its
// Processor, from --metrics-addr and --otel-endpoint. Either, both, or
// neither may be set; an unset pair falls back to NoOpExporter. The
// returned shutdown func tears down the tracer provider (a no-op metrics
// server keeps running for the process lifetime, matching the teacher's
// own /metrics-stays-up-until-process-exit posture).
func buildExporter(metricsAddr, otelEndpoint string) (observability.Exporter, func(context.Context) error, error) {
	var exporters []observability.Exporter
	shutdown := func(context.Context) error { return nil }

	if metricsAddr != "" {
		metrics := observability.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			_ = server.ListenAndServe()
		}()
		exporters = append(exporters, observability.NewPrometheusExporter(metrics))
	}

	if otelEndpoint != "" {
		tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName: "harness",
			Endpoint:    otelEndpoint,
		})
		exporters = append(exporters, observability.NewOTLPExporter(tracer))
		shutdown = traceShutdown
	}

	switch len(exporters) {
	case 0:
		return nil, shutdown, nil
	case 1:
		return exporters[0], shutdown, nil
	default:
		return observability.CompositeExporter{Exporters: exporters}, shutdown, nil
	}
}
