package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	remoteAddr string
)

var rootCmd = &cobra.Command{
	Use:   "consentgate",
	Short: "Consent gate for community-governed data",
	Long: "Checks every use of community data against the consent ledger before it happens.\n" +
		"Consent is granted and revoked through the ledger, usage is logged for attribution\n" +
		"and revenue sharing, and anything the gate cannot decide is denied.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.consentgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&remoteAddr, "remote", "", "Address of a consentgate gRPC server; consent commands go through it")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
