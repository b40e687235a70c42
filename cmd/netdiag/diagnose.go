package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/netdiag/internal/db"
	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/modelapi"
	"github.com/metalagman/netdiag/internal/orchestrator"
	"github.com/metalagman/netdiag/internal/tool"
)

func diagnoseCmd() *cobra.Command {
	var issue string
	var target string
	var maxIterations int
	var stageTimeout time.Duration
	var toolTimeout time.Duration
	var fanout int

	cmd := &cobra.Command{
		Use:          "diagnose",
		Short:        "Diagnose a network fault",
		Long:         "Run the analyzer/planner/executor/validator/reporter pipeline against a target and print the final report.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				exitCode = exitConfigError
				return err
			}
			if maxIterations > 0 {
				cfg.Budgets.MaxIterations = maxIterations
			}
			if stageTimeout > 0 {
				cfg.Budgets.StageTimeout = stageTimeout
			}
			if toolTimeout > 0 {
				cfg.Budgets.ToolTimeout = toolTimeout
			}
			if fanout > 0 {
				cfg.Budgets.ToolFanout = fanout
			}

			client, err := modelapi.New(cmd.Context(), cfg.Backend)
			if err != nil {
				exitCode = exitConfigError
				return err
			}

			registry := tool.NewRegistry(cfg.Tools.Allow)
			if cfg.Tools.CatalogPath != "" {
				if err := tool.LoadCatalog(registry, cfg.Tools.CatalogPath); err != nil {
					exitCode = exitConfigError
					return err
				}
			}

			var opts []orchestrator.Option
			storeDB, closeFn, err := openDB()
			if err != nil {
				log.Warn().Err(err).Msg("case store unavailable, diagnosing without persistence")
			} else {
				defer closeFn()
				opts = append(opts, orchestrator.WithStore(db.NewStore(storeDB)))
			}

			orch := orchestrator.NewPipeline(client, registry, registry, cfg.Budgets, opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, runErr := orch.Run(ctx, issue, target)
			if runErr != nil {
				log.Error().Err(runErr).Msg("diagnosis did not complete")
			}
			printReport(c)
			saveReport(c)

			switch c.Status {
			case model.StatusResolved:
				exitCode = exitResolved
			case model.StatusAborted:
				exitCode = exitAborted
			default:
				exitCode = exitFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&issue, "issue", "", "description of the network issue")
	cmd.Flags().StringVar(&target, "target", "", "target hostname or IP")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override budgets.max_iterations")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", 0, "override budgets.stage_timeout")
	cmd.Flags().DurationVar(&toolTimeout, "tool-timeout", 0, "override budgets.tool_timeout")
	cmd.Flags().IntVar(&fanout, "fanout", 0, "override budgets.tool_fanout")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// printReport writes the human-readable summary to stdout.
func printReport(c *model.Case) {
	fmt.Printf("Case:    %s\n", c.ID)
	fmt.Printf("Status:  %s", c.Status)
	if c.BestEffort {
		fmt.Print(" (best-effort, unresolved)")
	}
	fmt.Println()
	if c.FailReason != "" {
		fmt.Printf("Reason:  %s\n", c.FailReason)
	}
	if c.Report == nil {
		return
	}
	fmt.Printf("\nSummary: %s\n", c.Report.Summary)
	if c.Report.RootCause != "" {
		fmt.Printf("Root cause: %s\n", c.Report.RootCause)
	}
	if len(c.Report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for i, rec := range c.Report.Recommendations {
			fmt.Printf("  %d. %s\n", i+1, rec)
		}
	}
}

// saveReport dumps the full case, including the stage log, as JSON next
// to the case database.
func saveReport(c *model.Case) {
	dir, err := netdiagDir()
	if err != nil {
		log.Warn().Err(err).Msg("cannot resolve report directory")
		return
	}
	reportsDir := filepath.Join(dir, "reports")
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create reports directory")
		return
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("cannot marshal case report")
		return
	}
	path := filepath.Join(reportsDir, c.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("cannot write case report")
		return
	}
	log.Info().Str("path", path).Msg("case report saved")
}
