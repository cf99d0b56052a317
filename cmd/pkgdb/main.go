package main

import (
	"fmt"
	"os"

	"pkgdb-go/internal/app"
	"pkgdb-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Scrape", "Push").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation, verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "pkgdb",
	Short: "Package metadata scrape cache",
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
		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Generate a new host ID
		hostID := uuid.New().String()

		// Create config with defaults
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		// Initialize config file
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Read config
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		// Display config
		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Data Dir:  %s\n", cfg.Database.DataDir)
		fmt.Printf("Rules:     %s\n", rulesPathOrDefault(cfg))
		fmt.Printf("Store:     %s\n", cfg.Store.Type)
		return nil
	},
}

func rulesPathOrDefault(cfg *config.Config) string {
	if cfg.Rules.Path == "" {
		return "(embedded defaults)"
	}
	return cfg.Rules.Path
}

// scrape command
var scrapeCmd = &cobra.Command{
	Use:   "scrape FLAKEREF DUMP [PREFIX...]",
	Short: "Scrape package metadata into the cache",
	Long: `Scrape walks the pre-evaluated attribute tree in DUMP and records the
packages the scrape rules allow into the database for FLAKEREF. PREFIX
defaults to packages.<system> for every supported system; the dump is not
consulted, so a system missing from it makes the scrape fail.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Scrape")
		if err != nil {
			return err
		}
		defer a.Close()

		refStr, dumpPath := args[0], args[1]
		prefixes := args[2:]
		if len(prefixes) == 0 {
			prefixes = defaultPrefixes()
		}

		if err := a.Scrape(cmd.Context(), refStr, dumpPath, prefixes); err != nil {
			return fmt.Errorf("scrape failed: %w", err)
		}

		fmt.Printf("Scraped %d prefix(es)\n", len(prefixes))
		return nil
	},
}

// defaultPrefixes covers packages.<system> for the supported systems.
func defaultPrefixes() []string {
	systems := []string{"aarch64-darwin", "aarch64-linux", "x86_64-darwin", "x86_64-linux"}
	prefixes := make([]string, len(systems))
	for i, system := range systems {
		prefixes[i] = "packages." + system
	}
	return prefixes
}

// rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect scrape rules",
}

var rulesHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the content hash of the effective rule tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RulesHash")
		if err != nil {
			return err
		}
		defer a.Close()

		hash, err := a.RulesHash()
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status FLAKEREF",
	Short: "View cache status for a flake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Database:    %s\n", report.Path)
		fmt.Printf("Locked ref:  %s\n", report.LockedRef)
		fmt.Printf("Fingerprint: %s\n", report.Fingerprint)
		fmt.Printf("Attr sets:   %d\n", report.Stats.AttrSets)
		fmt.Printf("Packages:    %d\n", report.Stats.Packages)
		for _, name := range []string{"pkgdb_schema", "pkgdb_views_schema", "pkgdb_rules_hash"} {
			fmt.Printf("%-21s%s\n", name+":", report.Versions[name])
		}
		if len(report.Runs) > 0 {
			fmt.Println("\nRecent runs:")
			for _, run := range report.Runs {
				fmt.Printf("  %s  %-8s %-8s %s\n",
					run.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
					run.Operation, run.Status, run.Parameters)
			}
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list FLAKEREF",
	Short: "List cached packages for a flake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "List")
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.List(args[0], limit)
		if err != nil {
			return err
		}

		if len(pkgs) == 0 {
			fmt.Println("No packages cached.")
			return nil
		}
		for _, p := range pkgs {
			version := ""
			if p.Version != nil {
				version = *p.Version
			}
			fmt.Printf("%-60s %s\n", p.AttrPath, version)
		}
		return nil
	},
}

// push command
var pushCmd = &cobra.Command{
	Use:   "push FLAKEREF",
	Short: "Upload the cache database to the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Push")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Push(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		fmt.Println("Pushed.")
		return nil
	},
}

// pull command
var pullCmd = &cobra.Command{
	Use:   "pull FLAKEREF",
	Short: "Download the cache database from the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd, "Pull")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Pull(cmd.Context(), args[0], force); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		fmt.Println("Pulled.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Mirror logs to stderr")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	rulesCmd.AddCommand(rulesHashCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntP("limit", "n", 100, "Maximum number of packages to show")
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().BoolP("force", "f", false, "Overwrite an existing local database")
}
