package main

import (
	"log"
	"os"
	"strings"

	"github.com/aretw0/draftkeeper"
	"github.com/aretw0/draftkeeper/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes session operations as MCP tools over Standard Input/Output,
so an assistant can create, inspect, transition and sync drafting sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Ensure logs don't corrupt JSON-RPC on Stdout
		log.SetOutput(os.Stderr)

		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()
		if err := stack.Start(cmd.Context()); err != nil {
			return err
		}

		srv := mcp.NewServer(stack.Manager, stack.Reconciler, strings.TrimSpace(draftkeeper.Version), stack.Logger)
		stack.Logger.Info("Starting draftkeeper MCP server (stdio)")
		return srv.ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
