package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentrt/harness/internal/agent"
	"github.com/agentrt/harness/internal/config"
	"github.com/agentrt/harness/internal/observability"
	"github.com/agentrt/harness/pkg/models"
)

func newResumeCommand() *cobra.Command {
	var (
		configPath   string
		stateDir     string
		token        string
		approve      []string
		reject       []string
		metricsAddr  string
		otelEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted session from a resume token and approval decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tokens, err := resumeTokenService()
			if err != nil {
				return err
			}
			runID, err := tokens.Validate(token)
			if err != nil {
				return fmt.Errorf("harness: resume token: %w", err)
			}

			store, err := openRunStore(ctx, stateDir)
			if err != nil {
				return err
			}
			runState, ok, err := store.Load(ctx, runID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("harness: no saved run state for %s", runID)
			}

			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return err
			}
			ag, err := buildAgent(cfg)
			if err != nil {
				return err
			}

			sessDir, err := config.NewSessionDir(filepath.Join(stateDir, "sessions", runID))
			if err != nil {
				return err
			}

			state, err := agent.NewState(runID, runState.SystemPrompt, sessDir.TracePath())
			if err != nil {
				return err
			}
			defer state.Close()
			state.RestoreFromRunState(runState)

			decisions := make(map[string]bool, len(approve)+len(reject))
			for _, id := range approve {
				decisions[id] = true
			}
			for _, id := range reject {
				decisions[id] = false
			}

			session := agent.NewSession(ag, state)

			exporter, shutdownExporter, err := buildExporter(metricsAddr, otelEndpoint)
			if err != nil {
				return err
			}
			defer shutdownExporter(ctx)

			logCtx := observability.AddSessionID(ctx, runID)
			processor := observabilityProcessor(loggingPrinter(logCtx, harnessLogger()), exporter)
			result := session.Resume(ctx, runState.PendingApprovals, decisions, processor.AsEventHandler(ctx))

			if result.Status == models.StatusInterrupted {
				if err := store.Save(ctx, runID, *result.State); err != nil {
					return fmt.Errorf("harness: persist run state: %w", err)
				}
				next, err := tokens.Generate(runID)
				if err != nil {
					return err
				}
				fmt.Printf("\n\nsession %s interrupted again\nresume token: %s\n", runID, next)
				return nil
			}

			if err := store.Delete(ctx, runID); err != nil {
				return fmt.Errorf("harness: clear run state: %w", err)
			}
			return handleRunResult(ctx, stateDir, runID, result)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an Agent config YAML file")
	cmd.Flags().StringVar(&stateDir, "state-dir", "./harness-state", "directory for session state, signals, and the run store")
	cmd.Flags().StringVar(&token, "token", "", "resume token minted when the session interrupted")
	cmd.Flags().StringSliceVar(&approve, "approve", nil, "tool call ids to approve")
	cmd.Flags().StringSliceVar(&reject, "reject", nil, "tool call ids to reject")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (e.g. :9090); unset disables metrics")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint (e.g. localhost:4317); unset disables tracing")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("token")

	return cmd
}
