package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/config"
	"github.com/ppiankov/consentgate/internal/server"
)

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gRPC listen port (default from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC consent server",
	Long: "Runs consentgate as a central consent server over gRPC.\n" +
		"Clients connect with --remote or the client package and fail closed when it is unreachable.\n" +
		"Alert settings hot-reload when the config file changes. In redis mode the server\n" +
		"also drains the usage queue into the store.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	port := servePort
	if port == 0 {
		port = rt.cfg.Server.GRPCPort
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	srv := server.New(rt.gate, server.Config{Port: port, ConfigPath: path}, rt.logger)

	// Start hot-reload watcher for the config file
	reloader, err := server.NewReloader(srv, []string{path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}
	startDrainer(ctx, rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down consent server...")
		cancel()
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "consentgate gRPC server listening on :%d\n", port)
	fmt.Fprintf(os.Stderr, "Store: %s  Usage: %s\n", rt.cfg.Store.Driver, rt.cfg.Usage.Mode)
	if reloader != nil && len(reloader.Paths()) > 0 {
		fmt.Fprintf(os.Stderr, "Config: %s (hot-reload enabled)\n", path)
	}
	fmt.Fprintln(os.Stderr)

	return srv.Serve()
}

// startDrainer runs the Redis usage drainer until ctx ends. No-op in async mode.
func startDrainer(ctx context.Context, rt *runtime) {
	d := rt.drainer()
	if d == nil {
		return
	}
	go func() {
		if err := d.Run(ctx); err != nil {
			rt.logger.Printf("usage drainer stopped: %v", err)
		}
	}()
}
