package main

import (
	"context"
	"fmt"

	"devsync/internal/app"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and edit a device's offline data",
}

var cacheReconcileCmd = &cobra.Command{
	Use:   "reconcile DEVICE_ID",
	Short: "Download required records and evict stale ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			res, err := a.Reconcile(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status DEVICE_ID",
	Short: "Summarize a device's offline cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			st, err := a.CacheStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get DEVICE_ID REF",
	Short: "Print a cached record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			locked, err := a.RequiresPassphrase(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if locked {
				pass, err := readPassphrase("Passphrase: ")
				if err != nil {
					return err
				}
				if err := a.Unlock(pass); err != nil {
					return err
				}
			}

			rec, entry, err := a.ReadEntry(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if entry == nil {
				fmt.Println("Not cached.")
				return nil
			}
			return printJSON(map[string]any{
				"entry":  entry.Ref(),
				"dirty":  entry.IsDirty,
				"synced": entry.SyncVersion,
				"record": rec,
			})
		})
	},
}

var cacheEditCmd = &cobra.Command{
	Use:   "edit DEVICE_ID REF JSON",
	Short: "Edit a record locally and queue the change",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, _ := cmd.Flags().GetString("policy")
		priority, _ := cmd.Flags().GetInt("priority")
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			_, op, err := a.EditEntry(ctx, args[0], args[1], args[2], policy, priority)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %s operation %s (%s)\n", op.Operation, op.ID, op.Status)
			return nil
		})
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup DEVICE_ID",
	Short: "Delete expired offline entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			n, err := a.CleanupCache(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired entries\n", n)
			return nil
		})
	},
}

func init() {
	cacheEditCmd.Flags().String("policy", "", "Conflict policy override")
	cacheEditCmd.Flags().Int("priority", 0, "Priority 1-10 (default 5)")

	cacheCmd.AddCommand(cacheReconcileCmd, cacheStatusCmd, cacheGetCmd, cacheEditCmd, cacheCleanupCmd)
}
