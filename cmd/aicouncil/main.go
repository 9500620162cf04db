package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/config"
	"github.com/TobiSchelling/AICouncil/internal/database"
	"github.com/TobiSchelling/AICouncil/internal/gate"
	"github.com/TobiSchelling/AICouncil/internal/kvstore"
	"github.com/TobiSchelling/AICouncil/internal/logging"
	"github.com/TobiSchelling/AICouncil/internal/provider"
	"github.com/TobiSchelling/AICouncil/internal/research"
	"github.com/TobiSchelling/AICouncil/internal/server"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aicouncil",
	Short:   "Multi-provider AI research trees",
	Long:    "AICouncil fans a topic out to several AI research providers and grows one research tree per provider.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Console)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("aicouncil", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/aicouncil/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to enable providers and name the environment variables holding their API keys.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store, provider and cost status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := research.Summarize(cmd.Context(), store)
		if err != nil {
			return fmt.Errorf("summarizing: %w", err)
		}

		fmt.Printf("Store: %s (%s)\n\n", cfg.Store.Backend, cfg.GetDataDir())
		fmt.Println("Providers:")
		for _, p := range cfg.Providers {
			state := "disabled"
			if p.IsEnabled() {
				state = "enabled"
			}
			fmt.Printf("  %-10s %-8s %-8s %s\n", p.Name, p.Kind, state, p.Model)
		}

		fmt.Printf("\nGuides: %d\n", s.Guides)
		for _, st := range tree.Stages {
			if n := s.Stages[st]; n > 0 {
				fmt.Printf("  %s: %d\n", st, n)
			}
		}
		fmt.Println("\nNodes:")
		for _, st := range []tree.Status{tree.StatusPending, tree.StatusInitializing, tree.StatusInProgress, tree.StatusCompleted, tree.StatusError} {
			fmt.Printf("  %s: %d\n", st, s.Nodes[st])
		}
		fmt.Println("\nInteractions:")
		fmt.Printf("  Total: %d (%d failed)\n", s.Interactions, s.FailedCalls)
		fmt.Printf("  Tokens: %d\n", s.Tokens)
		fmt.Printf("  Estimated cost: $%.4f\n", s.CostUSD)
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and web view",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		coord := newCoordinator(cmd.Context(), store)
		defer coord.Close()

		srv, err := server.New(coord, gate.New(store, logger), logger)
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.ListenAndServe(cmd.Context(), fmt.Sprintf("127.0.0.1:%d", port))
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// openStore opens the configured backend behind the retrying decorator.
func openStore() (tree.Store, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	var store tree.Store
	switch cfg.Store.Backend {
	case config.BackendBadger:
		kc := kvstore.DefaultConfig(filepath.Join(dataDir, "badger"))
		kc.Logger = logger
		s, err := kvstore.Open(kc)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		db, err := database.Open(filepath.Join(dataDir, "aicouncil.db"), logger)
		if err != nil {
			return nil, err
		}
		store = db
	}

	retry := cfg.Store.Retry
	return tree.WithRetry(store, tree.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, logger), nil
}

func newCoordinator(ctx context.Context, store tree.Store) *research.Coordinator {
	reg := provider.FromConfig(ctx, cfg, store, logger)
	rc := cfg.Research
	return research.NewCoordinator(tree.NewMachine(store, logger), reg, research.Options{
		MaxInFlight:      rc.MaxInFlight,
		ProviderAttempts: rc.ProviderAttempts,
		RetryBackoff:     rc.RetryBackoff,
		AppendAttempts:   rc.AppendAttempts,
		Logger:           logger,
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
