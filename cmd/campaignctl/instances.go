package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/recipient"
	"github.com/beaulazear/voxxy-campaign-engine/internal/schedule"
	"github.com/beaulazear/voxxy-campaign-engine/internal/suppression"
	"github.com/spf13/cobra"
)

var instanceCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"inst"},
	Short:   "Inspect scheduled instances",
}

var instanceOverdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "List scheduled instances past their fire time plus the grace period",
	RunE:  runInstanceOverdue,
}

var instancePlanCmd = &cobra.Command{
	Use:   "plan [instance-id]",
	Short: "Show who an instance would go to right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancePlan,
}

var instanceFireTimeCmd = &cobra.Command{
	Use:   "firetime [instance-id]",
	Short: "Recompute an instance's fire time from its item trigger and event dates",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceFireTime,
}

var (
	overdueLimit int
	planJSON     bool
)

func init() {
	instanceOverdueCmd.Flags().IntVar(&overdueLimit, "limit", 100, "Maximum instances")
	instancePlanCmd.Flags().BoolVar(&planJSON, "json", false, "Print the full plan as JSON")

	instanceCmd.AddCommand(instanceOverdueCmd)
	instanceCmd.AddCommand(instancePlanCmd)
	instanceCmd.AddCommand(instanceFireTimeCmd)
}

func runInstanceOverdue(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	gate := schedule.NewGate(e.cfg.OverdueGracePeriod)
	now := time.Now().UTC()

	due, err := e.store.ListScheduledDue(cmd.Context(), now.Add(-gate.GracePeriod()), overdueLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s  %-20s  %s\n", "Instance", "Fire time", "Minutes overdue")
	fmt.Fprintln(out, strings.Repeat("-", 75))
	n := 0
	for i := range due {
		st := gate.Check(&due[i], now)
		if !st.Overdue {
			continue
		}
		n++
		fmt.Fprintf(out, "%-36s  %-20s  %d\n", st.InstanceID, st.FireTime.Format("2006-01-02 15:04"), st.MinutesOverdue)
	}
	fmt.Fprintf(out, "\n%d overdue (grace %s)\n", n, gate.GracePeriod())
	return nil
}

func runInstancePlan(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	inst, err := e.store.GetInstance(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	resolver := recipient.NewResolver(e.store, suppression.NewResolver(e.store, e.logger), e.logger)
	plan, err := resolver.Plan(cmd.Context(), inst, time.Now().UTC())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Fprintf(out, "Instance %s (%s), path %s\n", inst.ID, inst.Status, plan.Path)
	fmt.Fprintf(out, "Candidates: %d  suppressed: %d  recipients: %d\n\n", plan.Candidates, plan.Suppressed, len(plan.Recipients))
	for _, r := range plan.Recipients {
		label := r.Name
		if r.BusinessName != "" {
			label = r.BusinessName
		}
		fmt.Fprintf(out, "  %-40s  %s\n", r.Email, label)
	}
	return nil
}

func runInstanceFireTime(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	inst, err := e.store.GetInstance(ctx, args[0])
	if err != nil {
		return err
	}
	item, err := e.store.GetCampaignItem(ctx, inst.CampaignItemID)
	if err != nil {
		return err
	}
	event, err := e.store.GetEvent(ctx, inst.EventID)
	if err != nil {
		return err
	}

	computed, err := schedule.FireTime(item, event, time.UTC)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stored:   %s\n", formatTime(inst.FireTime))
	fmt.Fprintf(out, "Computed: %s\n", formatTime(computed))
	if inst.FireTime != nil && computed != nil && !inst.FireTime.Equal(*computed) {
		fmt.Fprintf(out, "Drift:    %s\n", computed.Sub(*inst.FireTime))
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "(not set)"
	}
	return t.Format(time.RFC3339)
}
