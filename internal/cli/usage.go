package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/consentgate/internal/model"
)

var (
	usageActor       string
	usageRevenue     float64
	usageQuery       string
	usageDestination string

	historyAction string
	historySince  string
	historyUntil  string
	historyLimit  int
	historyFormat string
)

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageLogCmd, usageHistoryCmd, usageDrainCmd)

	usageLogCmd.Flags().StringVar(&usageActor, "actor", "", "Who used the data")
	usageLogCmd.Flags().Float64Var(&usageRevenue, "revenue", 0, "Revenue generated by this use")
	usageLogCmd.Flags().StringVar(&usageQuery, "query", "", "Query text that produced the use")
	usageLogCmd.Flags().StringVar(&usageDestination, "destination", "", "Where the data went")

	usageHistoryCmd.Flags().StringVar(&historyAction, "action", "", "Only this permitted use")
	usageHistoryCmd.Flags().StringVar(&historySince, "since", "", "Lower time bound (RFC3339)")
	usageHistoryCmd.Flags().StringVar(&historyUntil, "until", "", "Upper time bound (RFC3339)")
	usageHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum records, newest first")
	usageHistoryCmd.Flags().StringVarP(&historyFormat, "format", "f", "text", "Output format (text|json)")
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Usage log operations",
	Long:  "Commands for recording and querying how consented data was used.",
}

var usageLogCmd = &cobra.Command{
	Use:   "log <type:id> <action>",
	Short: "Record one use of an entity's data",
	Long: "Appends a usage record. Logging does not check consent; run check first.\n" +
		"In redis mode the record is queued for the serving process to write.",
	Args: cobra.ExactArgs(2),
	RunE: runUsageLog,
}

var usageHistoryCmd = &cobra.Command{
	Use:   "history <type:id>",
	Short: "Show usage of an entity with its revenue total",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsageHistory,
}

var usageDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Write every queued usage record to the store (redis mode)",
	Long: "Requeues records left claimed by a stopped server, then writes the queue\n" +
		"to the usage log until it is empty.",
	Args: cobra.NoArgs,
	RunE: runUsageDrain,
}

func runUsageLog(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}
	action, err := model.ParsePermittedUse(args[1])
	if err != nil {
		return err
	}
	e := model.UsageEntry{
		Entity:      ref,
		Action:      action,
		ActorID:     usageActor,
		QueryText:   usageQuery,
		Destination: usageDestination,
	}
	if cmd.Flags().Changed("revenue") {
		rev := usageRevenue
		e.Revenue = &rev
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	if err := sess.logUsage(ctx, e); err != nil {
		sess.close()
		return err
	}
	if err := sess.close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged %s on %s\n", action, ref)
	return nil
}

func runUsageHistory(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}
	f, err := historyFilter()
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	h, err := sess.UsageHistory(ctx, ref, f)
	if err != nil {
		return err
	}
	if historyFormat == "json" {
		return printJSON(cmd.OutOrStdout(), h)
	}
	fmt.Fprint(cmd.OutOrStdout(), formatUsage(h))
	return nil
}

func historyFilter() (model.UsageFilter, error) {
	var f model.UsageFilter
	if historyAction != "" {
		u, err := model.ParsePermittedUse(historyAction)
		if err != nil {
			return f, err
		}
		f.Action = u
	}
	var err error
	if historySince != "" {
		if f.Since, err = time.Parse(time.RFC3339, historySince); err != nil {
			return f, fmt.Errorf("invalid --since %q: %w", historySince, err)
		}
	}
	if historyUntil != "" {
		if f.Until, err = time.Parse(time.RFC3339, historyUntil); err != nil {
			return f, fmt.Errorf("invalid --until %q: %w", historyUntil, err)
		}
	}
	f.Limit = historyLimit
	return f, nil
}

func runUsageDrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	d := rt.drainer()
	if d == nil {
		return errors.New("usage drain needs usage.mode: redis")
	}
	requeued, err := d.Recover(ctx)
	if err != nil {
		return err
	}

	written := 0
	for {
		took, err := d.DrainOnce(ctx)
		if err != nil {
			return fmt.Errorf("after %d records: %w", written, err)
		}
		if !took {
			break
		}
		written++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, drained %d usage records\n", requeued, written)
	return nil
}
