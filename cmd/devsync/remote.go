package main

import (
	"context"
	"fmt"

	"devsync/internal/app"

	"github.com/spf13/cobra"
)

// remote command: server-side administration of the configured remote, for
// seeding records and assignments.
var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Administer records on the remote",
}

var remotePutCmd = &cobra.Command{
	Use:   "put REF JSON",
	Short: "Create or replace a remote record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			v, err := a.PutRemoteRecord(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s is at version %d\n", args[0], v)
			return nil
		})
	},
}

var remoteAssignCmd = &cobra.Command{
	Use:   "assign REF...",
	Short: "Replace the records assigned to an employee",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		employee, _ := cmd.Flags().GetString("employee")
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			if err := a.AssignRemoteRecords(ctx, business, employee, args); err != nil {
				return err
			}
			fmt.Printf("Assigned %d record(s) to %s/%s\n", len(args), business, employee)
			return nil
		})
	},
}

func init() {
	remoteAssignCmd.Flags().String("business", "", "Business ID")
	remoteAssignCmd.Flags().String("employee", "", "Employee ID")
	remoteAssignCmd.MarkFlagRequired("business")
	remoteAssignCmd.MarkFlagRequired("employee")

	remoteCmd.AddCommand(remotePutCmd, remoteAssignCmd)
}
