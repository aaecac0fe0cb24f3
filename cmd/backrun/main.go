package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backrun/internal/app"
	"backrun/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a wired App. The caller must defer
// a.Close(). operation identifies the CLI command being run (e.g. "Run",
// "Daemon").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg, defaults["base_dir"], operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "backrun",
	Short: "Backup orchestration engine",
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

		rootDir, _ := cmd.Flags().GetString("root")
		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
		}

		cfg := config.NewConfig(rootDir, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Root Dir: %s\n", rootDir)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Root Dir:    %s\n", cfg.General.RootDir)
		fmt.Printf("Backups Dir: %s\n", cfg.General.BackupsDir)
		fmt.Printf("Keep Local:  %d\n", cfg.General.KeepLocal)
		fmt.Printf("Keep Remote: %d\n", cfg.General.KeepRemote)
		fmt.Printf("Backup Sets: %d\n", len(cfg.BackupSets))
		fmt.Printf("Remotes:     %d\n", len(cfg.Remotes))
		return nil
	},
}

var configInitKeyCmd = &cobra.Command{
	Use:   "init-key",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("InitKey")
		if err != nil {
			return err
		}
		defer a.Close()

		recipientPath, identityPath, err := a.InitKey()
		if err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}

		fmt.Printf("Recipient (safe to keep on this host): %s\n", recipientPath)
		fmt.Printf("Identity (move somewhere safe):        %s\n", identityPath)
		fmt.Println("Backups cannot be decrypted without the identity file.")
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a backup run now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run")
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := a.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed to start: %w", err)
		}

		elapsed := outcome.FinishedAt.Sub(outcome.StartedAt).Truncate(time.Second)
		fmt.Printf("Run %s finished in %s\n", outcome.RunID, elapsed)
		for _, res := range outcome.Adapters {
			status := "ok"
			if res.Err != nil {
				status = res.Err.Error()
			}
			fmt.Printf("  %-20s %-12s %8d bytes  %s\n", res.AdapterID, res.Kind, res.Bytes, status)
		}
		if !outcome.Success() {
			return fmt.Errorf("backup finished with errors")
		}
		return nil
	},
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Daemon")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		next := a.NextRuns()
		if len(next) == 0 {
			fmt.Println("Warning: no schedule configured, only manual runs will happen.")
		} else {
			fmt.Printf("Next backup at %s\n", next[0].Format("2006-01-02 15:04"))
		}

		a.Daemon(ctx)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View engine and destination status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		if idx := a.ActiveSet(); idx >= 0 {
			fmt.Printf("Engine: %s (set %d)\n", a.Status(), idx+1)
		} else {
			fmt.Printf("Engine: %s\n", a.Status())
		}

		remotes := a.Remotes()
		if len(remotes) == 0 {
			fmt.Println("No remotes configured.")
			return nil
		}
		fmt.Println("Remotes:")
		for _, r := range remotes {
			linked := "linked"
			if !r.Linked {
				linked = "NOT LINKED"
			}
			fmt.Printf("  %-20s %-12s %s\n", r.ID, r.Kind, linked)
		}
		return nil
	},
}

// next command
var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show upcoming scheduled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Next")
		if err != nil {
			return err
		}
		defer a.Close()

		runs := a.NextRuns()
		if len(runs) == 0 {
			fmt.Println("No runs scheduled.")
			return nil
		}
		for _, t := range runs {
			fmt.Println(t.Format("2006-01-02 15:04 MST"))
		}
		return nil
	},
}

// test command
var testCmd = &cobra.Command{
	Use:   "test REMOTE-ID",
	Short: "Test a destination with a probe upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("TestRemote")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.TestRemote(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("remote %s failed: %w", args[0], err)
		}
		fmt.Printf("Remote %s is working.\n", args[0])
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recent backup runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No backup runs recorded.")
			return nil
		}

		for _, run := range runs {
			duration := ""
			if !run.FinishedAt.IsZero() {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Second).String()
			}
			fmt.Printf("%s  %-10s  %s  %-8s  %s\n",
				run.ID[:8],
				run.Initiator,
				run.StartedAt.Format("2006-01-02 15:04:05"),
				run.Status,
				duration,
			)
			if !verbose {
				continue
			}
			results, err := a.AdapterResults(run.ID)
			if err != nil {
				return err
			}
			for _, res := range results {
				status := "ok"
				if res.Error != "" {
					status = res.Error
				}
				fmt.Printf("    %-20s %-12s %8d bytes  %s\n", res.AdapterID, res.Kind, res.Bytes, status)
			}
		}
		return nil
	},
}

// credentials command
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage destination credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set REMOTE-ID",
	Short: "Store a refresh token for a cloud drive remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("SetCredential")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Refresh token for %s: ", args[0])
		token, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		if strings.TrimSpace(string(token)) == "" {
			return fmt.Errorf("empty token")
		}

		if err := a.SetCredential(args[0], strings.TrimSpace(string(token))); err != nil {
			return fmt.Errorf("storing credential: %w", err)
		}
		fmt.Printf("Credential stored for %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("root", "", "Root directory backup sets are relative to (default: current directory)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configInitKeyCmd)

	credentialsCmd.AddCommand(credentialsSetCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	historyCmd.Flags().BoolP("verbose", "v", false, "Show per-destination results")
	rootCmd.AddCommand(credentialsCmd)
}
