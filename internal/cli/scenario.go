package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/scenario"
)

var (
	scenarioGlob   string
	scenarioFormat string
)

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.Flags().StringVar(&scenarioGlob, "scenario", "", "Glob pattern for scenario YAML files (required)")
	scenarioCmd.Flags().StringVarP(&scenarioFormat, "format", "f", "text", "Output format (text|json)")
	scenarioCmd.MarkFlagRequired("scenario")
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run consent assertions from scenario files",
	Long: "Loads scenario YAML files matching a glob pattern, builds each scenario's\n" +
		"ledger in memory, evaluates every case through the consent rules, and\n" +
		"reports pass/fail.\n\n" +
		"Exit code 0 if all cases pass, 1 if any fail.\n" +
		"Use in CI to gate changes to consent data or rules.",
	RunE: runScenario,
}

func runScenario(cmd *cobra.Command, args []string) error {
	matches, err := filepath.Glob(scenarioGlob)
	if err != nil {
		return fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no scenario files match pattern: %s", scenarioGlob)
	}

	results, err := runScenarios(matches)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch scenarioFormat {
	case "json":
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, scenario.FormatText(results))
	}

	// Exit 1 if any scenario has failures
	for _, r := range results {
		if r.Failed > 0 {
			os.Exit(1)
		}
	}
	return nil
}

func runScenarios(paths []string) ([]*scenario.RunResult, error) {
	var results []*scenario.RunResult
	for _, path := range paths {
		r, err := scenario.LoadAndRun(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		results = append(results, r)
	}
	return results, nil
}
