package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	gatemcp "github.com/ppiankov/consentgate/internal/mcp"
)

var (
	mcpActor    string
	mcpReadOnly bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpActor, "actor", "", "Actor recorded when a tool call names none")
	mcpCmd.Flags().BoolVar(&mcpReadOnly, "read-only", false, "Hide the consent_update and consent_revoke tools")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for assistant integration",
	Long: "Runs consentgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes consent tools: check, history, usage history, log usage, update, revoke.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := gatemcp.New(rt.gate, gatemcp.Config{
		Actor:    mcpActor,
		ReadOnly: mcpReadOnly,
		Version:  version,
	})
	startDrainer(ctx, rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "consentgate MCP server running on stdio")
	if mcpReadOnly {
		fmt.Fprintln(os.Stderr, "Mode: read-only")
	}
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
