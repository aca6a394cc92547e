package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bizcoin/bizcoin/internal/app/milestone"
	"github.com/bizcoin/bizcoin/internal/daemon"
	"github.com/bizcoin/bizcoin/internal/domain"
)

func init() {
	rootCmd.AddCommand(milestoneCmd)
	milestoneCmd.AddCommand(milestoneAddCmd)
	milestoneCmd.AddCommand(milestoneListCmd)
	milestoneCmd.AddCommand(milestoneRemoveCmd)

	milestoneAddCmd.Flags().String("metric", string(domain.MetricTotalEarned), "Wallet metric: total_earned, total_spent or current_balance")
	milestoneAddCmd.Flags().Int64("bonus", 0, "Tokens awarded when the milestone is reached")
	milestoneAddCmd.Flags().String("student", "", "Limit the milestone to one student")
}

var milestoneCmd = &cobra.Command{
	Use:   "milestone",
	Short: "Manage classroom milestones",
	Long: `Milestones fire once per student when a wallet metric reaches a
threshold, notifying subscribers and optionally paying a bonus.`,
}

// ─── milestone add ──────────────────────────────────────────────────────────

var milestoneAddCmd = &cobra.Command{
	Use:   "add THRESHOLD TITLE",
	Short: "Create a milestone in the classroom",
	Args:  cobra.ExactArgs(2),
	RunE:  runMilestoneAdd,
}

func runMilestoneAdd(cmd *cobra.Command, args []string) error {
	threshold, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "threshold", Reason: fmt.Sprintf("%q is not an integer", args[0])}
	}
	metric, _ := cmd.Flags().GetString("metric")
	bonus, _ := cmd.Flags().GetInt64("bonus")
	student, _ := cmd.Flags().GetString("student")

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		m, err := d.Milestones.Create(ctx, milestone.CreateRequest{
			ClassroomID: classroomFlag(cmd),
			StudentID:   student,
			Metric:      domain.MilestoneMetric(metric),
			Threshold:   threshold,
			Title:       args[1],
			Bonus:       bonus,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Milestone %q created (%s)\n", m.Title, m.ID)
		return nil
	})
}

// ─── milestone list ─────────────────────────────────────────────────────────

var milestoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the classroom's milestones",
	Args:  cobra.NoArgs,
	RunE:  runMilestoneList,
}

func runMilestoneList(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		list, err := d.Milestones.List(ctx, classroomFlag(cmd))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			if list == nil {
				list = []domain.Milestone{}
			}
			return printJSON(out, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No milestones.")
			return nil
		}
		fmt.Fprintf(out, "Milestones (%d):\n", len(list))
		for _, m := range list {
			scope := "all students"
			if m.StudentID != "" {
				scope = m.StudentID
			}
			fmt.Fprintf(out, "  • %s  %s ≥ %d  bonus %d  [%s]  %s\n", m.Title, m.Metric, m.Threshold, m.Bonus, scope, m.ID)
		}
		return nil
	})
}

// ─── milestone rm ───────────────────────────────────────────────────────────

var milestoneRemoveCmd = &cobra.Command{
	Use:     "rm MILESTONE_ID",
	Aliases: []string{"remove"},
	Short:   "Delete a milestone",
	Args:    cobra.ExactArgs(1),
	RunE:    runMilestoneRemove,
}

func runMilestoneRemove(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.Milestones.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Milestone %s removed.\n", args[0])
		return nil
	})
}
