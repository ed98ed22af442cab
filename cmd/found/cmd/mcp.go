package cmd

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-fmbridge/internal/mcpserver"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve Foundation Models as MCP tools over stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout exposing the
check_availability, generate_text and generate_structured tools.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newModule()
		defer closeModule(m)

		return server.ServeStdio(mcpserver.New(m, Version))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
