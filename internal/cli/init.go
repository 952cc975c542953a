package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/config"
)

var (
	initMode  string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.consentgate) or system (/etc/consentgate)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap consentgate configuration",
	Long: `Creates the config directory, a default config.yaml and an example scenario.

User mode (default):  writes to ~/.consentgate/
System mode:          writes to /etc/consentgate/ with data under /var/lib/consentgate (requires root)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string

	// Write config.yaml.
	configFile := filepath.Join(configDir, "config.yaml")
	content := config.DefaultConfigYAML()
	if initMode == "system" {
		content = strings.ReplaceAll(content, "~/.consentgate/", "/var/lib/consentgate/")
	}
	if wrote, err := writeIfMissing(configFile, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configFile)
	}

	// Write an example scenario.
	scenarioPath := filepath.Join(configDir, "scenarios", "example.yaml")
	if wrote, err := writeIfMissing(scenarioPath, exampleScenarioYAML); err != nil {
		return err
	} else if wrote {
		created = append(created, scenarioPath)
	}

	// Print summary.
	fmt.Println("consentgate init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	// Print next steps.
	fmt.Println("Verify the consent rules:")
	fmt.Printf("  consentgate scenario --scenario '%s'\n", filepath.Join(configDir, "scenarios", "*.yaml"))
	fmt.Println()
	fmt.Println("Record consent and check it:")
	fmt.Println("  consentgate grant story:s-1 --level public_knowledge_commons --use publish --by <who>")
	fmt.Println("  consentgate check story:s-1 publish")
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/consentgate", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".consentgate"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

const exampleScenarioYAML = `# Example consent scenario. Run with: consentgate scenario --scenario <glob>
name: example community story
now: "2026-01-01T00:00:00Z"

ledger:
  - entity: story:s-1
    level: community_controlled
    permitted_uses: [query_internal, publish, training_ai]
    cultural_authority: Elders council
    granted_by: storyteller-1
    expires_in: 8760h

cases:
  - entity: story:s-1
    action: publish
    expect: allow
  - entity: story:s-1
    action: training_ai
    expect: deny
    code: level_restriction
  - entity: story:s-1
    action: commercial
    expect: deny
    code: action_not_permitted
  - entity: story:s-1
    action: publish
    after: 9000h
    expect: deny
    code: expired
  - entity: story:s-2
    action: query_internal
    expect: deny
    code: not_found
`
