package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP tool servers",
	Long: `Inspect the MCP (Model Context Protocol) tool servers from the
configuration. Servers are declared under mcp_servers in
~/.convoke/config.yaml or .convoke/config.yaml.`,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpToolsCmd)
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "Connect to each configured server and report its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		statuses := rt.MCP.Status()
		if len(statuses) == 0 {
			fmt.Println("no MCP servers configured")
			return nil
		}
		for _, st := range statuses {
			fmt.Printf("%-20s %-10s %d tools\n", st.Name, st.State, st.Tools)
		}
		return nil
	},
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the active tool set, including MCP-proxied tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, def := range rt.Tools.Definitions() {
			origin := string(def.Source)
			if def.Origin != "" {
				origin += ":" + def.Origin
			}
			fmt.Printf("%-24s %-20s %s\n", def.Name, origin, def.Description)
		}
		for _, warning := range rt.Tools.Warnings() {
			fmt.Printf("warning: %s\n", warning)
		}
		return nil
	},
}
