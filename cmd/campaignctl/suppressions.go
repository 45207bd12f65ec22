package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/spf13/cobra"
)

var suppressionCmd = &cobra.Command{
	Use:     "suppressions",
	Aliases: []string{"sup"},
	Short:   "Suppression list maintenance",
}

var suppressAddCmd = &cobra.Command{
	Use:   "add [email]",
	Short: "Suppress an address",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressAdd,
}

var suppressRemoveCmd = &cobra.Command{
	Use:   "remove [email]",
	Short: "Resubscribe an address at one scope",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressRemove,
}

var suppressCheckCmd = &cobra.Command{
	Use:   "check [email]",
	Short: "Report whether an address is suppressed for an event",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressCheck,
}

var suppressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suppressions",
	RunE:  runSuppressList,
}

var suppressImportCmd = &cobra.Command{
	Use:   "import [file.csv]",
	Short: "Bulk-load suppressions from CSV",
	Long: `Each row is email[,scope[,event_id[,organization_id]]]. A header row starting
with "email" is skipped and a missing scope means global.`,
	Args: cobra.ExactArgs(1),
	RunE: runSuppressImport,
}

var (
	supScope  string
	listScope string
	supEvent  string
	supOrg    string
	supSource string
	supLimit  int
)

func init() {
	for _, c := range []*cobra.Command{suppressAddCmd, suppressRemoveCmd} {
		c.Flags().StringVar(&supScope, "scope", string(domain.ScopeGlobal), "Scope: event, organization or global")
	}
	for _, c := range []*cobra.Command{suppressAddCmd, suppressRemoveCmd, suppressCheckCmd, suppressListCmd} {
		c.Flags().StringVar(&supEvent, "event", "", "Event id")
		c.Flags().StringVar(&supOrg, "org", "", "Organization id")
	}
	for _, c := range []*cobra.Command{suppressAddCmd, suppressImportCmd} {
		c.Flags().StringVar(&supSource, "source", string(domain.SourceAdminAction), "Source tag recorded on new rows")
	}
	suppressListCmd.Flags().StringVar(&listScope, "scope", "", "Only this scope")
	suppressListCmd.Flags().IntVar(&supLimit, "limit", 100, "Maximum rows")

	suppressionCmd.AddCommand(suppressAddCmd)
	suppressionCmd.AddCommand(suppressRemoveCmd)
	suppressionCmd.AddCommand(suppressCheckCmd)
	suppressionCmd.AddCommand(suppressListCmd)
	suppressionCmd.AddCommand(suppressImportCmd)
}

func runSuppressAdd(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	source := domain.SuppressionSource(supSource)
	if !domain.ValidSource(source) {
		return fmt.Errorf("unknown source %q", supSource)
	}

	r := suppression.NewResolver(e.store, e.logger)
	sup, created, err := r.CreateOrFind(cmd.Context(), args[0], domain.SuppressionScope(supScope), supEvent, supOrg, source)
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "Suppressed %s at %s scope (%s)\n", sup.Email, sup.Scope, sup.ID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was already suppressed at %s scope since %s\n",
			sup.Email, sup.Scope, sup.SuppressedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSuppressRemove(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	r := suppression.NewResolver(e.store, e.logger)
	removed, err := r.Resubscribe(cmd.Context(), args[0], domain.SuppressionScope(supScope), supEvent, supOrg)
	if err != nil {
		return err
	}

	if removed {
		fmt.Fprintf(cmd.OutOrStdout(), "Resubscribed %s at %s scope\n", domain.NormalizeEmail(args[0]), supScope)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s suppression found for %s\n", supScope, domain.NormalizeEmail(args[0]))
	}
	return nil
}

func runSuppressCheck(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	r := suppression.NewResolver(e.store, e.logger)
	suppressed, err := r.IsSuppressed(cmd.Context(), args[0], supEvent, supOrg)
	if err != nil {
		return err
	}

	verdict := "deliverable"
	if suppressed {
		verdict = "suppressed"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", domain.NormalizeEmail(args[0]), verdict)
	return nil
}

func runSuppressList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	r := suppression.NewResolver(e.store, e.logger)
	list, err := r.List(cmd.Context(), domain.SuppressionFilter{
		Scope:          listScope,
		EventID:        supEvent,
		OrganizationID: supOrg,
		Limit:          supLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s  %-13s  %-36s  %-17s  %s\n", "Email", "Scope", "Reference", "Source", "Suppressed")
	fmt.Fprintln(out, strings.Repeat("-", 125))
	for _, s := range list {
		ref := s.EventID
		if s.Scope == domain.ScopeOrganization {
			ref = s.OrganizationID
		}
		fmt.Fprintf(out, "%-36s  %-13s  %-36s  %-17s  %s\n",
			s.Email, s.Scope, ref, s.Source, s.SuppressedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSuppressImport(cmd *cobra.Command, args []string) error {
	source := domain.SuppressionSource(supSource)
	if !domain.ValidSource(source) {
		return fmt.Errorf("unknown source %q", supSource)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := suppression.ParseCSV(f)
	if err != nil {
		return err
	}

	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	r := suppression.NewResolver(e.store, e.logger)
	res, err := r.Import(cmd.Context(), rows, source)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rows: %d  created: %d  existing: %d  invalid: %d\n", res.Total, res.Created, res.Existing, res.Invalid)
	for _, msg := range res.Errors {
		fmt.Fprintf(out, "  %s\n", msg)
	}
	return nil
}
