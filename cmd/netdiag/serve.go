package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/metalagman/netdiag/internal/db"
	"github.com/metalagman/netdiag/internal/mcpserver"
	"github.com/metalagman/netdiag/internal/modelapi"
	"github.com/metalagman/netdiag/internal/orchestrator"
	"github.com/metalagman/netdiag/internal/tool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Start the MCP server over stdio",
		Long:         "Starts an MCP server over stdin/stdout exposing diagnose, run_tool and get_case tools for MCP clients.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				exitCode = exitConfigError
				return err
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
			var store *db.Store
			storeDB, closeFn, err := openDB()
			if err != nil {
				log.Warn().Err(err).Msg("case store unavailable")
			} else {
				defer closeFn()
				store = db.NewStore(storeDB)
				opts = append(opts, orchestrator.WithStore(store))
			}

			srv := mcpserver.NewServer(mcpserver.Deps{
				Orchestrator: orchestrator.NewPipeline(client, registry, registry, cfg.Budgets, opts...),
				Tools:        registry,
				Store:        store,
				ToolTimeout:  cfg.Budgets.ToolTimeout,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			log.Info().Msg("starting netdiag MCP server over stdio")
			return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
}
