package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradestate/internal/api"
	"github.com/rustyeddy/tradestate/lock"
	"github.com/rustyeddy/tradestate/store"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Activate, inspect or clear the trading lock",
	Long: `The trading lock refuses batch closes until its deadline passes. The
deadline is persisted, so it survives restarts.

Examples:
  trader lock activate 2h
  trader lock status
  trader lock clear`,
}

var lockActivateCmd = &cobra.Command{
	Use:   "activate <duration>",
	Short: "Lock trading for a duration on the running core",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockActivate,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the lock state of the running core",
	RunE:  runLockStatus,
}

var lockClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the persisted deadline from the store",
	Long: `Delete the persisted lock deadline directly from the configured store.
A running core keeps its in-memory lock until the deadline or a restart.`,
	RunE: runLockClear,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockActivateCmd)
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockClearCmd)
}

func runLockActivate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := time.ParseDuration(args[0]); err != nil {
		return fmt.Errorf("duration: %w", err)
	}

	var st lock.State
	if err := callAPI(cmd.Context(), apiBase(cfg.API.Listen), http.MethodPost, "/api/v1/lock",
		api.LockRequest{Duration: args[0]}, &st); err != nil {
		return err
	}
	printLock(cmd, st)
	return nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var st lock.State
	if err := callAPI(cmd.Context(), apiBase(cfg.API.Listen), http.MethodGet, "/api/v1/lock", nil, &st); err != nil {
		return err
	}
	printLock(cmd, st)
	return nil
}

func runLockClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	kv, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	if err := kv.Delete(ctx, lock.DeadlineKey); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %s from the %s store\n", lock.DeadlineKey, cfg.Store.Type)
	return nil
}

func printLock(cmd *cobra.Command, st lock.State) {
	out := cmd.OutOrStdout()
	if !st.Active {
		fmt.Fprintln(out, "trading lock: inactive")
		return
	}
	fmt.Fprintf(out, "trading lock: active until %s (%s left)\n",
		st.Deadline.Local().Format(time.RFC3339), st.Remaining.Round(time.Second))
}
