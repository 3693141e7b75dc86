package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fruithappens/coffeecue/internal/inspect"
	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchPrefix       string
	watchOutputFormat string
	watchForKey       string
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow durable store changes in real time",
	Long: `Stream writes and deletes made by every client session instance in the
namespace.

Output Formats:
  default - Human-readable lines with timestamp, key and writing instance
  json    - Line-delimited JSON change events

With --for, wait until KEY exists instead, print it and exit.

Examples:
  # Follow mode changes and cache writes
  coffeecue watch --prefix=resilience.

  # Export all changes as JSON
  coffeecue watch --output=json > changes.jsonl

  # Wait up to a minute for station 3's queue to be saved
  coffeecue watch --for=session.snapshot.3 --timeout=1m`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchPrefix, "prefix", "p", "", "Only follow keys with this prefix")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchForKey, "for", "", "Wait for KEY to exist, then print it and exit")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 30*time.Second, "How long --for waits")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if watchForKey != "" {
		if _, err := watch.WaitForRecord(ctx, app.Store, watchForKey, watchTimeout, nil); err != nil {
			return printer.Error(
				fmt.Sprintf("key '%s' did not appear", watchForKey),
				fmt.Sprintf("Error: %v", err),
				[]string{"Increase --timeout or check the key with:\n  coffeecue cache"},
			)
		}
		return inspect.GetRecord(ctx, app.Store, watchForKey, cmd.OutOrStdout())
	}

	return watch.StreamChanges(ctx, app.Store, watchPrefix, outputFormat, cmd.OutOrStdout())
}
