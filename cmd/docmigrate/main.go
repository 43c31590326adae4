package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/migrate"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	// A first interrupt cancels the command context so orchestrators stop
	// after the current record and close their run row; a second one kills
	// the process outright.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config, fills in missing credentials interactively and
// creates an App. The caller must defer a.Close().
// needsSource marks commands that talk to Salesforce; only those prompt for
// a missing password.
func newApp(cmd *cobra.Command, needsSource bool) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if needsSource && cfg.Salesforce.Password == "" {
		pw, err := promptSecret(fmt.Sprintf("Salesforce password for %s: ", cfg.Salesforce.Username))
		if err != nil {
			return nil, err
		}
		cfg.Salesforce.Password = pw
	}

	a, err := app.NewApp(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptSecret reads a secret from the terminal without echo. Falls back to
// a plain line read when stdin is not a terminal (e.g. piped input).
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		data, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// confirmPhrase asks the operator to type phrase before a destructive
// operation proceeds.
func confirmPhrase(phrase string) (bool, error) {
	fmt.Printf("Type %s to proceed: ", phrase)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return strings.TrimSpace(line) == phrase, nil
}

var rootCmd = &cobra.Command{
	Use:   "docmigrate",
	Short: "Salesforce file migration tool",
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

		// Generate a new instance ID
		instanceID := uuid.New().String()

		cfg := config.NewConfig(instanceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
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
		fmt.Printf("Instance ID: %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("SF Username: %s\n", cfg.Salesforce.Username)
		fmt.Printf("S3 Bucket:   %s (%s)\n", cfg.S3.Bucket, cfg.S3.Region)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up files to S3 (Phase 1)",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		byAccount, _ := cmd.Flags().GetBool("by-account")
		incremental, _ := cmd.Flags().GetBool("incremental")
		accountID, _ := cmd.Flags().GetString("account")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if (full && byAccount) || (full && incremental) || (byAccount && incremental) {
			return fmt.Errorf("--full, --by-account and --incremental are mutually exclusive")
		}

		mode := migrate.BackupFull
		switch {
		case byAccount || accountID != "":
			mode = migrate.BackupByAccount
		case incremental:
			mode = migrate.BackupIncremental
		}

		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.Backup(cmd.Context(), mode, accountID, dryRun)
		printBackupSummary(sum, dryRun)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		return nil
	},
}

func printBackupSummary(sum *migrate.BackupSummary, dryRun bool) {
	label := "Backup"
	if dryRun {
		label = "Backup (dry run)"
	}
	fmt.Printf("\n%s complete:\n", label)
	fmt.Printf("  Processed:  %d\n", sum.Processed)
	fmt.Printf("  Successful: %d\n", sum.Successful)
	fmt.Printf("  Failed:     %d\n", sum.Failed)
	fmt.Printf("  Skipped:    %d\n", sum.Skipped)
	fmt.Printf("  New:        %d\n", sum.New)
	fmt.Printf("  Updated:    %d\n", sum.Updated)
	fmt.Printf("  Data:       %s\n", migrate.FormatSize(sum.TotalBytes))
	fmt.Printf("  Success:    %.1f%%\n", sum.SuccessRate())
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Update Salesforce to point at S3 (Phase 2)",
	RunE: func(cmd *cobra.Command, args []string) error {
		execute, _ := cmd.Flags().GetBool("execute")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if execute && dryRun {
			return fmt.Errorf("--dry-run and --execute are mutually exclusive")
		}

		if execute {
			fmt.Println("This will OVERWRITE document references in Salesforce.")
			ok, err := confirmPhrase("CONFIRM")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
		}

		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.FullMigration(cmd.Context(), !execute)
		printMigrationSummary(sum, !execute)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	},
}

func printMigrationSummary(sum *migrate.MigrationSummary, dryRun bool) {
	label := "Migration"
	if dryRun {
		label = "Migration (dry run)"
	}
	fmt.Printf("\n%s complete:\n", label)
	fmt.Printf("  Source records: %d\n", sum.TotalSource)
	fmt.Printf("  New files:      %d (%s)\n", sum.NewFiles, migrate.FormatSize(sum.NewBytes))
	fmt.Printf("  Updated:        %d\n", sum.UpdatedURLs)
	fmt.Printf("  Failed:         %d\n", sum.FailedUpdates)
	fmt.Printf("  Skipped:        %d\n", sum.Skipped)
	if sum.ManifestPath != "" {
		fmt.Printf("  Rollback manifest: %s\n", sum.ManifestPath)
	}
	if sum.SamplePassed+sum.SampleFailed > 0 {
		fmt.Printf("  Validation: %d/%d passed\n", sum.SamplePassed, sum.SamplePassed+sum.SampleFailed)
	}
}

// rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore original document references in Salesforce",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestPath, _ := cmd.Flags().GetString("manifest")
		fromLedger, _ := cmd.Flags().GetBool("from-ledger")
		execute, _ := cmd.Flags().GetBool("execute")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if execute && dryRun {
			return fmt.Errorf("--dry-run and --execute are mutually exclusive")
		}
		if manifestPath == "" && !fromLedger {
			return fmt.Errorf("either --manifest or --from-ledger is required")
		}
		if manifestPath != "" && fromLedger {
			return fmt.Errorf("--manifest and --from-ledger are mutually exclusive")
		}

		if execute {
			fmt.Println("This will OVERWRITE document references in Salesforce with their pre-migration values.")
			ok, err := confirmPhrase("ROLLBACK")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
		}

		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.Rollback(cmd.Context(), manifestPath, !execute)
		if sum != nil {
			printRollbackSummary(sum, !execute)
		}
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		return nil
	},
}

func printRollbackSummary(sum *migrate.RollbackSummary, dryRun bool) {
	label := "Rollback"
	if dryRun {
		label = "Rollback (dry run)"
	}
	fmt.Printf("\n%s complete:\n", label)
	fmt.Printf("  Considered: %d\n", sum.Total)
	fmt.Printf("  Reverted:   %d\n", sum.Reverted)
	fmt.Printf("  Failed:     %d\n", sum.Failed)
	fmt.Printf("  Skipped:    %d\n", sum.Skipped)
	if sum.Dropped > 0 {
		fmt.Printf("  Dropped (invalid entries): %d\n", sum.Dropped)
	}
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, _ := cmd.Flags().GetString("account")

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if accountID != "" {
			files, err := a.FilesForAccount(accountID)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No files recorded for this account.")
				return nil
			}
			for _, f := range files {
				phase := "backup"
				if f.SourceUpdated {
					phase = "migrated"
				}
				fmt.Printf("%-18s  %-9s  %10s  %s\n",
					f.SourceRecordID, phase, migrate.FormatSize(f.FileSizeBytes), f.FileName)
			}
			return nil
		}

		stats, err := a.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("Migration status:\n\n")
		fmt.Printf("  Total files:     %d\n", stats.TotalFiles)
		fmt.Printf("  Backup only:     %d\n", stats.BackupOnly)
		fmt.Printf("  Fully migrated:  %d\n", stats.FullyMigrated)
		fmt.Printf("  Total size:      %s\n", migrate.FormatSize(stats.TotalSizeBytes))
		fmt.Printf("  Unique accounts: %d\n", stats.UniqueAccounts)

		if len(stats.RecentRuns) > 0 {
			fmt.Printf("\nRuns:\n")
			for _, r := range stats.RecentRuns {
				fmt.Printf("  %-16s %5d  last: %s\n", r.RunType, r.Count, r.LastRun)
			}
		}

		runs, err := a.Runs(5)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			fmt.Printf("\nLast runs:\n")
			for _, r := range runs {
				fmt.Printf("  #%-4d %-16s %-9s %s  processed=%d failed=%d skipped=%d\n",
					r.ID, r.RunType, r.Status, r.StartTime.Format("2006-01-02 15:04"),
					r.Processed, r.Failed, r.Skipped)
			}
		}
		if len(stats.ErrorSummary) > 0 {
			fmt.Printf("\nErrors:\n")
			for _, e := range stats.ErrorSummary {
				fmt.Printf("  %-24s %d\n", e.ErrorType, e.Count)
			}
		}
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger metadata as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		w := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating export file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := a.Export(w); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if output != "" {
			fmt.Printf("Exported metadata to %s\n", output)
		}
		return nil
	},
}

// cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		keepDays, _ := cmd.Flags().GetInt("keep-days")

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, days, err := a.Cleanup(keepDays)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		fmt.Printf("Removed %d run(s) older than %d days\n", removed, days)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().Bool("full", false, "Scan the full record set (default)")
	backupCmd.Flags().Bool("by-account", false, "Process one account at a time")
	backupCmd.Flags().Bool("incremental", false, "Only process records changed since the last backup")
	backupCmd.Flags().String("account", "", "Restrict to a single account ID (implies --by-account)")
	backupCmd.Flags().Bool("dry-run", false, "Log what would happen without transferring anything")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("dry-run", false, "Preview without updating Salesforce (default)")
	migrateCmd.Flags().Bool("execute", false, "Actually update Salesforce")

	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().String("manifest", "", "Rollback manifest file written by a previous migration")
	rollbackCmd.Flags().Bool("from-ledger", false, "Derive rollback entries from the local ledger")
	rollbackCmd.Flags().Bool("dry-run", false, "Preview without updating Salesforce (default)")
	rollbackCmd.Flags().Bool("execute", false, "Actually update Salesforce")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("account", "", "Show per-file status for one account ID")

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("output", "o", "", "Write export to a file instead of stdout")

	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Int("keep-days", 0, "Retain runs newer than this many days (0 uses the configured retention)")
}
