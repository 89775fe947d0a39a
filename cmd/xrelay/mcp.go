package main

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, logger, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()

			srv := mcp.NewServer(&mcp.Implementation{Name: "xrelay", Version: version}, nil)
			eng.RegisterMCP(srv)
			logger.Info("MCP stdio starting")
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
