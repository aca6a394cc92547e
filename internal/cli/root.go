// Package cli implements the bizcoin command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/daemon"
	"github.com/bizcoin/bizcoin/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "bizcoin",
	Short: "Classroom token ledger",
	Long: `BizCoin keeps per-classroom token wallets for students: teachers award
and penalize, students earn and spend, and every movement is recorded in an
append-only transaction log. Run 'bizcoin serve' for the HTTP API, or use the
other commands to operate on the configured store directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default $BIZCOIN_HOME/config.toml)")
	rootCmd.PersistentFlags().StringP("classroom", "c", "", "Classroom ID")
	rootCmd.PersistentFlags().Bool("json", false, "Print JSON instead of text")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at the configured level instead of warn")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// loadConfig reads the config named by --config.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.Load(path)
}

// withDaemon wires a daemon from config, runs fn and closes it. One-shot
// commands log at warn unless --verbose is set.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		cfg.Log.Level = "warn"
	}
	log, err := daemon.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			log.Warn("close", zap.Error(cerr))
		}
	}()
	return fn(ctx, d)
}

func classroomFlag(cmd *cobra.Command) string {
	c, _ := cmd.Flags().GetString("classroom")
	return c
}

func jsonOutput(cmd *cobra.Command) bool {
	j, _ := cmd.Flags().GetBool("json")
	return j
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not an integer", s)}
	}
	return n, nil
}

func printWallet(w io.Writer, wallet domain.Wallet) {
	fmt.Fprintf(w, "%s in %s: %d tokens (earned %d, spent %d)\n",
		wallet.StudentID, wallet.ClassroomID, wallet.CurrentBalance, wallet.TotalEarned, wallet.TotalSpent)
}

func printTransaction(w io.Writer, tx domain.Transaction) {
	fmt.Fprintf(w, "#%-6d %s  %-9s %+6d  balance %-6d %s",
		tx.ID, tx.Timestamp.Format("2006-01-02 15:04"), tx.Type, tx.Amount, tx.BalanceAfter, tx.Category)
	if tx.Description != "" {
		fmt.Fprintf(w, " (%s)", tx.Description)
	}
	fmt.Fprintln(w)
}
