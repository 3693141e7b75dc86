package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/spf13/cobra"
)

var restoreJSON bool

var restoreCmd = &cobra.Command{
	Use:   "restore STATION",
	Short: "Show the queue a station view would restore",
	Long: `Resolve a station's saved queue exactly as a remounting view does: the
newest non-empty copy of the live and backup snapshots wins, and a winning
backup is promoted to the live key.

Examples:
  coffeecue restore 3
  coffeecue restore 3 --json | jq '.pending | length'`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreJSON, "json", false, "Print the snapshot as JSON")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stationID := orders.ID(args[0])

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	snap, err := app.Sessions.Restore(ctx, stationID)
	if err != nil {
		return fmt.Errorf("failed to restore station %s: %w", stationID, err)
	}
	if snap == nil {
		return printer.Error(
			fmt.Sprintf("nothing saved for station '%s'", stationID),
			"Neither a live nor a backup queue is stored for this station.",
			[]string{"List saved stations:\n  coffeecue cache --prefix=session.snapshot."},
		)
	}

	if restoreJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	printer.Success("Station %s: %d orders saved at %s\n", stationID, snap.Len(),
		time.UnixMilli(snap.TakenAtMs).Format(time.RFC3339))
	printQueue("pending", snap.Pending)
	printQueue("in progress", snap.InProgress)
	printQueue("completed", snap.Completed)
	return nil
}

func printQueue(title string, list []orders.Order) {
	printer.Printf("\n%s (%d)\n", title, len(list))
	for _, o := range list {
		name := o.CustomerName
		if name == "" {
			name = "-"
		}
		printer.Printf("  #%-8s %-20s %s\n", o.ID, name, o.Item)
	}
}
