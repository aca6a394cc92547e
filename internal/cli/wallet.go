package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizcoin/bizcoin/internal/app/ledger"
	"github.com/bizcoin/bizcoin/internal/daemon"
	"github.com/bizcoin/bizcoin/internal/domain"
)

// ─── Wallet CLI ─────────────────────────────────────────────────────────────
// One-shot commands against the configured store. They share the service
// the API uses, so milestones, sinks and idempotency behave the same.

func init() {
	for _, c := range []*cobra.Command{awardCmd, earnCmd, spendCmd, penalizeCmd, awardManyCmd} {
		c.Flags().String("category", "", "Category label (required)")
		c.Flags().StringP("description", "d", "", "Free-text description")
		c.Flags().String("reference", "", "External reference (task, item)")
		c.Flags().StringP("key", "k", "", "Idempotency key; retries with the same key apply once")
		rootCmd.AddCommand(c)
	}
	awardCmd.Flags().Bool("bonus", false, "Record as a bonus award")
	awardManyCmd.Flags().Bool("bonus", false, "Record as bonus awards")

	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(leaderboardCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum entries to show (0 = all)")
	leaderboardCmd.Flags().String("by", string(domain.LeaderboardBalance), "Rank by current_balance or total_earned")
	leaderboardCmd.Flags().IntP("limit", "n", 10, "Number of students to show")
}

func movementRequest(cmd *cobra.Command, student, amount string) (ledger.Request, error) {
	n, err := parseAmount(amount)
	if err != nil {
		return ledger.Request{}, err
	}
	category, _ := cmd.Flags().GetString("category")
	description, _ := cmd.Flags().GetString("description")
	reference, _ := cmd.Flags().GetString("reference")
	key, _ := cmd.Flags().GetString("key")
	bonus := false
	if cmd.Flags().Lookup("bonus") != nil {
		bonus, _ = cmd.Flags().GetBool("bonus")
	}
	return ledger.Request{
		StudentID:      student,
		ClassroomID:    classroomFlag(cmd),
		Amount:         n,
		Category:       category,
		Description:    description,
		Reference:      reference,
		IdempotencyKey: key,
		Bonus:          bonus,
	}, nil
}

// movementCmd builds a command for one credit or debit operation.
func movementCmd(use, short string, op func(*ledger.Service, context.Context, ledger.Request) (domain.Transaction, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " STUDENT_ID AMOUNT",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := movementRequest(cmd, args[0], args[1])
			if err != nil {
				return err
			}
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				tx, err := op(d.Ledger, ctx, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput(cmd) {
					return printJSON(out, tx)
				}
				printTransaction(out, tx)
				return nil
			})
		},
	}
}

// ─── award / earn / spend ───────────────────────────────────────────────────

var awardCmd = movementCmd("award", "Award tokens to a student", (*ledger.Service).Award)

var earnCmd = movementCmd("earn", "Credit tokens a student earned", (*ledger.Service).Earn)

var spendCmd = movementCmd("spend", "Spend tokens from a student's wallet", (*ledger.Service).Spend)

// ─── penalize ───────────────────────────────────────────────────────────────

var penalizeCmd = &cobra.Command{
	Use:   "penalize STUDENT_ID AMOUNT",
	Short: "Deduct tokens as a penalty",
	Long: `Deduct tokens as a penalty. Under the clamp policy the penalty collects
at most the current balance and reports the rest as uncollected; under the
reject policy an insufficient balance fails like spend.`,
	Args: cobra.ExactArgs(2),
	RunE: runPenalize,
}

func runPenalize(cmd *cobra.Command, args []string) error {
	req, err := movementRequest(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Ledger.Penalize(ctx, req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, res)
		}
		if res.Transaction != nil {
			printTransaction(out, *res.Transaction)
		}
		if !res.FullyCollected() {
			fmt.Fprintf(out, "Collected %d of %d tokens; %d uncollected.\n", res.Collected, res.Requested, res.Uncollected)
		}
		return nil
	})
}

// ─── award-many ─────────────────────────────────────────────────────────────

var awardManyCmd = &cobra.Command{
	Use:   "award-many AMOUNT STUDENT_ID...",
	Short: "Award the same amount to several students",
	Long: `Award the same amount to several students of one classroom. Each award
commits independently; with --key each student gets the derived key
"<key>:<student>" so the whole batch can be retried safely.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAwardMany,
}

func runAwardMany(cmd *cobra.Command, args []string) error {
	req, err := movementRequest(cmd, "", args[0])
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		results, err := d.Ledger.AwardMany(ctx, ledger.BatchRequest{
			ClassroomID:    req.ClassroomID,
			StudentIDs:     args[1:],
			Amount:         req.Amount,
			Category:       req.Category,
			Description:    req.Description,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
			Bonus:          req.Bonus,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			return printJSON(out, results)
		}
		failed := 0
		for _, r := range results {
			if r.OK() {
				fmt.Fprintf(out, "  ✓ %-16s balance %d\n", r.StudentID, r.Transaction.BalanceAfter)
				continue
			}
			failed++
			fmt.Fprintf(out, "  ✗ %-16s %s\n", r.StudentID, r.Error)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d awards failed", failed, len(results))
		}
		return nil
	})
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance STUDENT_ID",
	Short: "Show a student's wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			w, err := d.Ledger.GetBalance(ctx, args[0], classroomFlag(cmd))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), w)
			}
			printWallet(cmd.OutOrStdout(), w)
			return nil
		})
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history STUDENT_ID",
	Short: "Show a student's transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		out := cmd.OutOrStdout()
		var txs []domain.Transaction
		for tx, err := range d.Ledger.Transactions(ctx, args[0], classroomFlag(cmd), limit) {
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				txs = append(txs, tx)
				continue
			}
			printTransaction(out, tx)
		}
		if jsonOutput(cmd) {
			if txs == nil {
				txs = []domain.Transaction{}
			}
			return printJSON(out, txs)
		}
		return nil
	})
}

// ─── audit ──────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit STUDENT_ID",
	Short: "Reconcile a wallet against its transaction log",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		report, err := d.Ledger.Reconcile(ctx, args[0], classroomFlag(cmd))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			if err := printJSON(out, report); err != nil {
				return err
			}
		} else {
			printWallet(out, report.Wallet)
			fmt.Fprintf(out, "Checked %d transactions: credits %d, debits %d, net %d\n",
				report.Transactions, report.SumCredits, report.SumDebits, report.SumAmounts)
			for _, p := range report.Problems {
				fmt.Fprintf(out, "  ✗ %s\n", p)
			}
		}
		if !report.Consistent() {
			return fmt.Errorf("wallet %s/%s is inconsistent (%d problems)", report.Wallet.ClassroomID, report.Wallet.StudentID, len(report.Problems))
		}
		if !jsonOutput(cmd) {
			fmt.Fprintln(out, "✅ Consistent.")
		}
		return nil
	})
}

// ─── leaderboard ────────────────────────────────────────────────────────────

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Rank the classroom's students",
	Args:  cobra.NoArgs,
	RunE:  runLeaderboard,
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	limit, _ := cmd.Flags().GetInt("limit")
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		entries, err := d.Ledger.Leaderboard(ctx, classroomFlag(cmd), domain.LeaderboardMetric(by), limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput(cmd) {
			if entries == nil {
				entries = []domain.LeaderboardEntry{}
			}
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No wallets yet.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%3d. %-16s %d\n", e.Rank, e.StudentID, e.Score)
		}
		return nil
	})
}
