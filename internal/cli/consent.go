package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/consentgate/internal/model"
)

// grantFlags holds the grant command's flags.
type grantFlags struct {
	file         string
	level        string
	uses         []string
	authority    string
	by           string
	expires      string
	attribution  string
	contributors []string
	revenueShare float64
	trainingBy   string
	trainingNote string
	notes        string
	format       string
}

var (
	grant grantFlags

	revokeBy     string
	revokeReason string
	revokeFormat string

	ledgerFormat    string
	authorityFormat string
)

func init() {
	rootCmd.AddCommand(grantCmd, revokeCmd, ledgerCmd, authorityCmd)

	f := grantCmd.Flags()
	f.StringVar(&grant.file, "file", "", "YAML file with the consent entry; flags override its fields")
	f.StringVar(&grant.level, "level", "", "Consent level (public_knowledge_commons|community_controlled|strictly_private)")
	f.StringSliceVar(&grant.uses, "use", nil, "Permitted use, repeatable (query_internal|publish|export_reports|training_ai|commercial)")
	f.StringVar(&grant.authority, "authority", "", "Cultural authority holding the decision")
	f.StringVar(&grant.by, "by", "", "Who gave consent")
	f.StringVar(&grant.expires, "expires", "", "Expiry as RFC3339 time or Go duration from now")
	f.StringVar(&grant.attribution, "attribution", "", "Attribution text")
	f.StringSliceVar(&grant.contributors, "contributor", nil, "Contributor as name[/organization[/role]], repeatable")
	f.Float64Var(&grant.revenueShare, "revenue-share", 0, "Revenue share percentage owed to contributors")
	f.StringVar(&grant.trainingBy, "training-override-by", "", "Grant explicit AI training permission on a community controlled entry")
	f.StringVar(&grant.trainingNote, "training-override-note", "", "Note recorded with the training override")
	f.StringVar(&grant.notes, "notes", "", "Free-form notes")
	f.StringVarP(&grant.format, "format", "f", "text", "Output format (text|json)")

	revokeCmd.Flags().StringVar(&revokeBy, "by", "", "Who is revoking (required)")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Reason for revocation")
	revokeCmd.Flags().StringVarP(&revokeFormat, "format", "f", "text", "Output format (text|json)")
	revokeCmd.MarkFlagRequired("by")

	ledgerCmd.Flags().StringVarP(&ledgerFormat, "format", "f", "text", "Output format (text|json)")
	authorityCmd.Flags().StringVarP(&authorityFormat, "format", "f", "text", "Output format (text|json)")
}

var grantCmd = &cobra.Command{
	Use:   "grant <type:id>",
	Short: "Record a new consent entry for an entity",
	Long: "Appends a consent entry to the ledger. The new entry governs the entity from\n" +
		"now on; earlier entries stay in the ledger as history.\n\n" +
		"Community controlled and strictly private entries require --authority.",
	Args: cobra.ExactArgs(1),
	RunE: runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <type:id>",
	Short: "Revoke the entity's current consent entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger <type:id>",
	Short: "Show every consent entry of an entity, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedger,
}

var authorityCmd = &cobra.Command{
	Use:   "authority <type:id>",
	Short: "Check the cultural authority on the entity's current entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthority,
}

func runGrant(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}
	in, err := grant.input(ref, time.Now().UTC())
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	entry, err := sess.UpdateConsent(ctx, in)
	if err != nil {
		return err
	}
	return printEntries(cmd, grant.format, *entry)
}

// input merges the optional YAML file with the flags.
func (g grantFlags) input(ref model.EntityRef, now time.Time) (model.ConsentInput, error) {
	var in model.ConsentInput
	if g.file != "" {
		data, err := os.ReadFile(g.file)
		if err != nil {
			return in, fmt.Errorf("read consent file: %w", err)
		}
		if err := yaml.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("parse consent file %s: %w", g.file, err)
		}
	}
	in.Entity = ref

	if g.level != "" {
		level, err := model.ParseConsentLevel(g.level)
		if err != nil {
			return in, err
		}
		in.Level = level
	}
	if len(g.uses) > 0 {
		in.PermittedUses = in.PermittedUses[:0]
		for _, s := range g.uses {
			u, err := model.ParsePermittedUse(s)
			if err != nil {
				return in, err
			}
			in.PermittedUses = append(in.PermittedUses, u)
		}
	}
	if g.authority != "" {
		in.CulturalAuthority = g.authority
	}
	if g.by != "" {
		in.GrantedBy = g.by
	}
	if g.expires != "" {
		at, err := parseExpiry(g.expires, now)
		if err != nil {
			return in, err
		}
		in.ExpiresAt = &at
	}
	if g.attribution != "" {
		in.AttributionText = g.attribution
	}
	for _, c := range g.contributors {
		in.Contributors = append(in.Contributors, parseContributor(c))
	}
	if g.revenueShare > 0 {
		in.RevenueShare = &model.RevenueShare{Enabled: true, Percentage: g.revenueShare}
	}
	if g.trainingBy != "" {
		in.TrainingOverride = &model.TrainingOverride{
			GrantedBy: g.trainingBy,
			GrantedAt: now,
			Note:      g.trainingNote,
		}
	}
	if g.notes != "" {
		in.Notes = g.notes
	}
	return in, nil
}

func parseExpiry(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --expires %q: want RFC3339 time or duration", s)
	}
	return now.Add(d), nil
}

func parseContributor(s string) model.Contributor {
	parts := strings.SplitN(s, "/", 3)
	c := model.Contributor{Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		c.Organization = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		c.Role = strings.TrimSpace(parts[2])
	}
	return c
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	entry, err := sess.RevokeConsent(ctx, ref, revokeBy, revokeReason)
	if err != nil {
		return err
	}
	return printEntries(cmd, revokeFormat, *entry)
}

func runLedger(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	entries, err := sess.ListEntries(ctx, ref)
	if err != nil {
		return err
	}
	if len(entries) == 0 && ledgerFormat != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no consent entries\n", ref)
		return nil
	}
	return printEntries(cmd, ledgerFormat, entries...)
}

func runAuthority(cmd *cobra.Command, args []string) error {
	ref, err := model.ParseEntityRef(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	check := sess.ValidateAuthority(ctx, ref)
	w := cmd.OutOrStdout()
	if authorityFormat == "json" {
		return printJSON(w, check)
	}
	if check.Passed {
		fmt.Fprintf(w, "OK    %s\n", ref)
		return nil
	}
	fmt.Fprintf(w, "FAIL  %s (%s): %s\n", ref, check.Code, check.Reason)
	if check.RequiredAction != "" {
		fmt.Fprintf(w, "  next: %s\n", check.RequiredAction)
	}
	return nil
}

func printEntries(cmd *cobra.Command, format string, entries ...model.Entry) error {
	w := cmd.OutOrStdout()
	if format == "json" {
		if len(entries) == 1 {
			return printJSON(w, entries[0])
		}
		if entries == nil {
			entries = []model.Entry{}
		}
		return printJSON(w, entries)
	}
	for _, e := range entries {
		fmt.Fprint(w, formatEntry(e))
	}
	return nil
}
