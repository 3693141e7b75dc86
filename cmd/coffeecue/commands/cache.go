package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fruithappens/coffeecue/internal/inspect"
	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	cachePrefix       string
	cacheOutputFormat string
	cacheSince        string
	cacheUntil        string
	cacheKeyGlob      string
	cacheOrigin       string
)

var cacheCmd = &cobra.Command{
	Use:   "cache [KEY]",
	Short: "Inspect durable records with filtering",
	Long: `Inspect durable records in list or get mode.

List Mode (no KEY):
  Displays records under --prefix as a table or JSONL stream.

Get Mode (with KEY):
  Displays a single record as pretty-printed JSON. Stored tokens are redacted.

Output Formats (list mode only):
  default - Human-readable table with key, age, origin and payload
  jsonl   - Line-delimited JSON, one record per line

Filters (list mode only):
  --since  - Show records written after this time
  --until  - Show records written before this time
  --key    - Filter by logical key (glob pattern: "cache.orders.*")
  --origin - Filter by writing instance id (exact match)

Examples:
  # List cached queue data
  coffeecue cache --prefix=cache.

  # Saved station queues written in the last 10 minutes
  coffeecue cache --prefix=session.snapshot. --since=10m

  # Get one record
  coffeecue cache resilience.mode`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCache,
}

func init() {
	cacheCmd.Flags().StringVarP(&cachePrefix, "prefix", "p", "", "Only list keys with this prefix")
	cacheCmd.Flags().StringVarP(&cacheOutputFormat, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")
	cacheCmd.Flags().StringVar(&cacheSince, "since", "", "Show records after time (duration, RFC3339 or unix ms)")
	cacheCmd.Flags().StringVar(&cacheUntil, "until", "", "Show records before time (duration, RFC3339 or unix ms)")
	cacheCmd.Flags().StringVar(&cacheKeyGlob, "key", "", "Filter by logical key (glob pattern)")
	cacheCmd.Flags().StringVar(&cacheOrigin, "origin", "", "Filter by writing instance (exact match)")
	rootCmd.AddCommand(cacheCmd)
}

func runCache(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	isGetMode := len(args) > 0

	var outputFormat inspect.OutputFormat
	var filters *inspect.FilterCriteria
	if !isGetMode {
		switch cacheOutputFormat {
		case "default":
			outputFormat = inspect.OutputFormatDefault
		case "jsonl":
			outputFormat = inspect.OutputFormatJSONL
		default:
			return printer.Error(
				"invalid output format",
				fmt.Sprintf("Unknown format: %s", cacheOutputFormat),
				[]string{"Valid formats: default, jsonl"},
			)
		}

		sinceMs, untilMs, err := timespec.ParseRange(cacheSince, cacheUntil, time.Now())
		if err != nil {
			return printer.Error(
				"invalid time filter",
				err.Error(),
				[]string{"Use a duration like '1h30m', RFC3339 like '2026-10-18T09:00:00Z' or unix milliseconds"},
			)
		}
		filters = &inspect.FilterCriteria{
			SinceTimestampMs: sinceMs,
			UntilTimestampMs: untilMs,
			KeyGlob:          cacheKeyGlob,
			Origin:           cacheOrigin,
		}
	}

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if isGetMode {
		key := args[0]
		if err := inspect.GetRecord(ctx, app.Store, key, cmd.OutOrStdout()); err != nil {
			if inspect.IsNotFound(err) {
				return printer.Error(
					fmt.Sprintf("no record for key '%s'", key),
					"The key does not exist in this namespace.",
					[]string{"List stored keys:\n  coffeecue cache"},
				)
			}
			return err
		}
		return nil
	}

	return inspect.ListRecords(ctx, app.Store, cachePrefix, outputFormat, filters, cmd.OutOrStdout(), cmd.ErrOrStderr())
}
