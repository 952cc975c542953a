package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/audit"
	"github.com/ppiankov/consentgate/internal/model"
)

var (
	replayLog    string
	replayActor  string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayLog, "log", "l", "", "Path to audit log (default audit_log from config)")
	replayCmd.Flags().StringVar(&replayActor, "actor", "", "Only entries by this actor")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay [type:id]",
	Short: "Replay the consent trail of an entity from the audit log",
	Long: "Reads the audit log, filters by entity, actor and optional time range,\n" +
		"and renders a timeline of grants, revocations and denials with a summary.",
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{Actor: replayActor}
	if len(args) == 1 {
		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		filter.Entity = ref.String()
	}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}

	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	path := replayLog
	if path == "" {
		p, err := auditPath(nil)
		if err != nil {
			return err
		}
		path = p
	}

	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, audit.FormatTimeline(result))
	}
	return nil
}
