package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/model"
)

var (
	checkActor  string
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkActor, "actor", "", "Who is asking (recorded on audit and usage)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check <type:id> <action>",
	Short: "Check whether an action is permitted on an entity",
	Long: "Evaluates the action against the entity's current consent entry and prints\n" +
		"every check in the decision trail.\n\n" +
		"Exit code 0 on allow, 1 on deny, 2 when consent could not be determined.",
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}
	action, err := model.ParsePermittedUse(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	v := sess.CheckPermission(ctx, ref, action, checkActor)
	sess.close()

	w := cmd.OutOrStdout()
	switch checkFormat {
	case "json":
		if err := printJSON(w, v); err != nil {
			return err
		}
	default:
		fmt.Fprint(w, formatVerdict(v))
	}

	if !v.Allowed {
		if v.Code() == model.CodeSystemError {
			os.Exit(2)
		}
		os.Exit(1)
	}
	return nil
}
