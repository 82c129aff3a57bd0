package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the matching commands
type Options struct {
	InputPath          string
	Course             string
	NthFrame           int
	NumEngines         int
	MatchThreshold     float64
	DetectionThreshold float64
	DebugScreenshots   bool
	WorkerTimeout      string
	IgnoreWindow       bool
	ShowAll            bool
}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// dbURL is the connection string
	dbURL   string
	cfgFile string

	// onExit runs after every command, in reverse order, even when RunE failed.
	onExit []func()
)

// Version is the application version.
const Version = "0.1.0"

// noDB marks commands that work on local files only.
const noDB = "rollcall/no-db"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face-matching attendance engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional, don't fail if not found
		_ = godotenv.Load()

		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		if cmd.Annotations[noDB] != "" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.Database.URL, Cfg.Extractor.Dim)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		onExit = append(onExit, closeDB)
		return nil
	},
}

func closeDB() {
	if DB != nil {
		DB.Close()
		DB = nil
	}
}

func runOnExit() {
	for i := len(onExit) - 1; i >= 0; i-- {
		onExit[i]()
	}
	onExit = nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnFinalize(runOnExit)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/rollcall)")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file (default: ./rollcall.yaml if present)")
}

// thresholdFlag returns the --threshold value when the user set it, otherwise fallback.
func thresholdFlag(cmd *cobra.Command, value, fallback float64) float64 {
	if cmd.Flags().Changed("threshold") {
		return value
	}
	return fallback
}
