package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devsync/internal/app"
	"devsync/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config from the default location.
func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// withApp reads the config, creates a DevSyncApp for the command and runs fn.
// The app is closed with fn's error so the invocation is logged.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.DevSyncApp) error) error {
	cfg, _, err := readConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.NewDevSyncApp(ctx, cfg, cmd.CommandPath())
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	runErr := fn(ctx, a)
	if err := a.Close(runErr); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:          "devsync",
	Short:        "Offline device sync and conflict resolution",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			nodeID = uuid.New().String()
		}
		cfg := config.NewConfig(nodeID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Node ID:  %s\n", nodeID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Node ID:    %s\n", cfg.NodeID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		fmt.Printf("Remote:     %s\n", cfg.Remote.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		return nil
	},
}

// analytics command
var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize devices, queues and caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			res, err := a.Analytics(ctx, business)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			fmt.Println("Scheduler running, press Ctrl-C to stop.")
			return a.Run(ctx)
		})
	},
}

// store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local store",
}

var storeBackupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Write a snapshot of the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			if err := a.BackupStore(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Store snapshot written to %s\n", args[0])
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("node-id", "", "Node ID (default: random UUID)")
	configCmd.AddCommand(configListCmd)

	storeCmd.AddCommand(storeBackupCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(analyticsCmd)
	analyticsCmd.Flags().String("business", "", "Business ID (default: all businesses)")
	rootCmd.AddCommand(runCmd)
}
