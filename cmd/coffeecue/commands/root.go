package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fruithappens/coffeecue/internal/config"
	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/pkg/resilience"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coffeecue",
	Short: "coffeecue - operator tool for the order queue resilience layer",
	Long: `coffeecue inspects and controls the client resilience layer of the
coffee order queue: degraded-mode state, the durable cache, saved station
queues and the offline outbox.

Configuration is read from coffeecue.yml (or --config) and may be overridden
with COFFEECUE_API_URL, COFFEECUE_REDIS_URL, COFFEECUE_NAMESPACE and
COFFEECUE_STORAGE_BACKEND.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		printer.Stdout = cmd.OutOrStdout()
		printer.Stderr = cmd.ErrOrStderr()
	},
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to coffeecue.yml (default: ./coffeecue.yml if present)")
}

// loadConfig reads the configuration file, falling back to defaults plus
// environment overrides when no file is given and none exists.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); errors.Is(err, fs.ErrNotExist) {
			cfg := config.Default()
			cfg.ApplyEnv(os.Getenv)
			if err := cfg.Validate(); err != nil {
				return nil, printer.Error(
					"invalid configuration",
					fmt.Sprintf("Error: %v", err),
					[]string{"Fix the COFFEECUE_* environment variables or create coffeecue.yml"},
				)
			}
			return cfg, nil
		}
		path = config.DefaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			fmt.Sprintf("Error: %v", err),
			map[string]string{"Path": path},
			[]string{"Check the file exists and is valid YAML with version: \"1.0\""},
		)
	}
	return cfg, nil
}

// openApp loads configuration and connects every service.
func openApp(ctx context.Context) (*resilience.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	app, err := resilience.New(ctx, cfg, resilience.Options{})
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to connect",
			fmt.Sprintf("Error: %v", err),
			map[string]string{
				"Backend":   cfg.Storage.Backend,
				"Namespace": cfg.Storage.Namespace,
			},
			[]string{
				"Check the durable store is running and reachable",
				fmt.Sprintf("Override the store location with %s", config.EnvRedisURL),
			},
		)
	}
	return app, nil
}
