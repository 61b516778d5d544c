package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devsync/internal/app"
	"devsync/internal/devsync"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Queue and process sync operations",
}

// printOperations prints one line per operation.
func printOperations(ops []*devsync.SyncOperation, empty string) {
	if len(ops) == 0 {
		fmt.Println(empty)
		return
	}
	for _, op := range ops {
		line := fmt.Sprintf("%s  %-9s  %-8s  p%-2d  %s  attempts:%d",
			op.ID, op.Status, op.Operation, op.Priority, op.Ref(), op.Attempts)
		if op.LastError != "" {
			line += "  error: " + op.LastError
		}
		fmt.Println(line)
	}
}

var syncEnqueueCmd = &cobra.Command{
	Use:   "enqueue DEVICE_ID",
	Short: "Queue a sync operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		in := app.EnqueueInput{DeviceID: args[0]}
		in.Operation, _ = f.GetString("op")
		in.Ref, _ = f.GetString("ref")
		in.Payload, _ = f.GetString("payload")
		in.Original, _ = f.GetString("original")
		in.BaseVersion, _ = f.GetInt64("base-version")
		in.Priority, _ = f.GetInt("priority")
		in.Policy, _ = f.GetString("policy")
		if at, _ := f.GetString("at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			in.ScheduledAt = &t
		}

		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			op, err := a.Enqueue(ctx, in)
			if err != nil {
				return err
			}
			fmt.Printf("Operation %s is %s\n", op.ID, op.Status)
			return nil
		})
	},
}

var syncDrainCmd = &cobra.Command{
	Use:   "drain DEVICE_ID",
	Short: "Process a device's queued operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			res, err := a.Drain(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var syncProcessCmd = &cobra.Command{
	Use:   "process OPERATION_ID",
	Short: "Process a single operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			op, err := a.ProcessOperation(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(op)
		})
	},
}

// listAction builds a command listing one class of a device's operations.
func listAction(use, short, empty string, fn func(ctx context.Context, a *app.DevSyncApp, deviceID string) ([]*devsync.SyncOperation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " DEVICE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
				ops, err := fn(ctx, a, args[0])
				if err != nil {
					return err
				}
				printOperations(ops, empty)
				return nil
			})
		},
	}
}

var syncPendingCmd = listAction("pending", "List operations still owed to the remote", "No pending operations.",
	func(ctx context.Context, a *app.DevSyncApp, id string) ([]*devsync.SyncOperation, error) {
		return a.PendingOperations(ctx, id)
	})

var syncFailedCmd = listAction("failed", "List failed operations", "No failed operations.",
	func(ctx context.Context, a *app.DevSyncApp, id string) ([]*devsync.SyncOperation, error) {
		return a.FailedOperations(ctx, id)
	})

var syncConflictsCmd = listAction("conflicts", "List operations awaiting conflict resolution", "No conflicts.",
	func(ctx context.Context, a *app.DevSyncApp, id string) ([]*devsync.SyncOperation, error) {
		return a.ConflictedOperations(ctx, id)
	})

var syncRetryCmd = &cobra.Command{
	Use:   "retry OPERATION_ID",
	Short: "Reset a failed operation to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			op, err := a.RetryOperation(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Operation %s is %s\n", op.ID, op.Status)
			return nil
		})
	},
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel OPERATION_ID",
	Short: "Cancel a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			op, err := a.CancelOperation(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Operation %s is %s\n", op.ID, op.Status)
			return nil
		})
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve OPERATION_ID",
	Short: "Resolve a conflicted operation by field or by policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, _ := cmd.Flags().GetString("field")
		value, _ := cmd.Flags().GetString("value")
		policy, _ := cmd.Flags().GetString("policy")
		if (field == "") == (policy == "") {
			return errors.New("give either --field with --value or --policy")
		}

		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			var op *devsync.SyncOperation
			var err error
			if policy != "" {
				op, err = a.ResolveConflictsWithPolicy(ctx, args[0], policy)
			} else {
				op, err = a.ResolveConflict(ctx, args[0], field, value)
			}
			if err != nil {
				return err
			}
			return printJSON(op)
		})
	},
}

var syncPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed operations past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			n, err := a.PruneOperations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d operation(s)\n", n)
			return nil
		})
	},
}

func init() {
	f := syncEnqueueCmd.Flags()
	f.String("op", "", "Operation: upload, update, download or delete")
	f.String("ref", "", "Record reference data_type/entity_type/entity_id")
	f.String("payload", "", "Record JSON for upload and update")
	f.String("original", "", "Record JSON the edit was based on")
	f.Int64("base-version", 0, "Remote version the edit was based on")
	f.Int("priority", 0, "Priority 1-10 (default 5)")
	f.String("policy", "", "Conflict policy override")
	f.String("at", "", "Earliest processing time (RFC 3339)")
	syncEnqueueCmd.MarkFlagRequired("op")
	syncEnqueueCmd.MarkFlagRequired("ref")

	syncResolveCmd.Flags().String("field", "", "Conflicting field to decide")
	syncResolveCmd.Flags().String("value", "", "Value for --field (JSON or plain string)")
	syncResolveCmd.Flags().String("policy", "", "Resolve every conflict with this policy")

	syncCmd.AddCommand(syncEnqueueCmd, syncDrainCmd, syncProcessCmd, syncPendingCmd,
		syncFailedCmd, syncConflictsCmd, syncRetryCmd, syncCancelCmd, syncResolveCmd, syncPruneCmd)
}
