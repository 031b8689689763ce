package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentrt/harness/internal/agent"
	"github.com/agentrt/harness/internal/config"
	"github.com/agentrt/harness/internal/observability"
	"github.com/agentrt/harness/internal/signal"
	"github.com/agentrt/harness/pkg/models"
)

func newRunCommand() *cobra.Command {
	var (
		configPath   string
		stateDir     string
		prompt       string
		metricsAddr  string
		otelEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an agent session and run one turn to completion or interruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return err
			}

			ag, err := buildAgent(cfg)
			if err != nil {
				return err
			}

			sessionID := uuid.NewString()
			sessDir, err := config.NewSessionDir(filepath.Join(stateDir, "sessions", sessionID))
			if err != nil {
				return err
			}
			if err := sessDir.WriteConfig(cfg); err != nil {
				return err
			}

			sigMgr, err := signalManagerFor(stateDir)
			if err != nil {
				return err
			}
			reg := signal.Registration{Model: ag.Model, InstructionPreview: truncatePreview(prompt, 200)}
			if err := sigMgr.Register(sessionID, reg); err != nil {
				return err
			}
			defer sigMgr.Deregister(sessionID)

			state, err := agent.NewState(sessionID, ag.SystemPrompt, sessDir.TracePath())
			if err != nil {
				return err
			}
			defer state.Close()

			session := agent.NewSession(ag, state)
			session.SetCancelCheck(func() bool { return sigMgr.IsCancelRequested(sessionID) })

			exporter, shutdownExporter, err := buildExporter(metricsAddr, otelEndpoint)
			if err != nil {
				return err
			}
			defer shutdownExporter(ctx)

			logCtx := observability.AddSessionID(ctx, sessionID)
			processor := observabilityProcessor(loggingPrinter(logCtx, harnessLogger()), exporter)
			result := session.Run(ctx, prompt, processor.AsEventHandler(ctx))

			return handleRunResult(ctx, stateDir, sessionID, result)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an Agent config YAML file")
	cmd.Flags().StringVar(&stateDir, "state-dir", "./harness-state", "directory for session state, signals, and the run store")
	cmd.Flags().StringVar(&prompt, "prompt", "", "initial user instruction")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (e.g. :9090); unset disables metrics")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint (e.g. localhost:4317); unset disables tracing")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

func truncatePreview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// handleRunResult reports a finished run, persisting its RunState and
// minting a resume token when the run paused on an approval.
func handleRunResult(ctx context.Context, stateDir, sessionID string, result *agent.RunResult) error {
	switch result.Status {
	case models.StatusCompleted:
		fmt.Printf("\n\nsession %s completed\n", sessionID)
		return nil
	case models.StatusInterrupted:
		store, err := openRunStore(ctx, stateDir)
		if err != nil {
			return err
		}
		if err := store.Save(ctx, sessionID, *result.State); err != nil {
			return fmt.Errorf("harness: persist run state: %w", err)
		}
		tokens, err := resumeTokenService()
		if err != nil {
			return err
		}
		token, err := tokens.Generate(sessionID)
		if err != nil {
			return fmt.Errorf("harness: mint resume token: %w", err)
		}
		fmt.Printf("\n\nsession %s interrupted, awaiting approval\nresume token: %s\n", sessionID, token)
		return nil
	case models.StatusCancelled:
		fmt.Printf("\n\nsession %s cancelled\n", sessionID)
		return nil
	default:
		if result.Err != nil {
			return fmt.Errorf("harness: session %s failed: %w", sessionID, result.Err)
		}
		return fmt.Errorf("harness: session %s ended with status %s", sessionID, result.Status)
	}
}
