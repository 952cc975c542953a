package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/httpapi"
	"github.com/ppiankov/consentgate/internal/ratelimit"
)

var (
	httpAddr    string
	httpMaxBody int64
)

func init() {
	rootCmd.AddCommand(httpCmd)
	httpCmd.Flags().StringVar(&httpAddr, "addr", "", "Listen address (default from config)")
	httpCmd.Flags().Int64Var(&httpMaxBody, "max-body", 1<<20, "Maximum request body in bytes")
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Start the JSON HTTP consent API",
	Long: "Serves check, consent, authority and usage endpoints over HTTP.\n" +
		"The caller identity is read from the X-Actor-ID header.",
	RunE: runHTTP,
}

func runHTTP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := httpAddr
	if addr == "" {
		addr = rt.cfg.Server.HTTPAddr
	}
	handler := httpapi.New(rt.gate, httpapi.Options{
		MaxBodyBytes: httpMaxBody,
		Limiter:      ratelimit.New(rt.cfg.Server.RateLimits, nil),
		Logger:       rt.logger,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	startDrainer(ctx, rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down HTTP API...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "consentgate HTTP API listening on %s\n\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
