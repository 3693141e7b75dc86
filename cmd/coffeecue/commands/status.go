package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resilience mode, failure counters and queued work",
	Long: `Show the degraded-mode state shared by every client session instance
in the namespace, together with the credential, cache and outbox state.

Examples:
  coffeecue status
  COFFEECUE_NAMESPACE=festival coffeecue status`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	state := app.Controller.State()
	printer.Mode(string(state.Mode), string(state.Reason))

	values := map[string]string{
		"namespace":        app.Config.Storage.Namespace,
		"backend":          app.Config.Storage.Backend,
		"api":              app.Config.API.URL,
		"auth failures":    fmt.Sprintf("%d/%d", state.AuthFailures, state.AuthThreshold),
		"network failures": fmt.Sprintf("%d/%d", state.NetworkFailures, state.NetworkThreshold),
		"last transition":  "-",
		"credential":       "none",
		"cached records":   "?",
		"outbox":           "?",
		"saved stations":   "?",
	}
	if state.LastTransitionMs > 0 {
		values["last transition"] = time.UnixMilli(state.LastTransitionMs).Format(time.RFC3339)
	}

	cred, err := app.Credentials.Current(ctx)
	if err != nil {
		values["credential"] = fmt.Sprintf("unreadable (%v)", err)
	} else if cred != nil {
		status := "valid"
		if cred.IsStale(time.Now()) {
			status = "expired"
		}
		values["credential"] = fmt.Sprintf("%s, %s, expires %s", cred.Claims.Subject, status,
			cred.ExpiresAt().Format(time.RFC3339))
	}

	if keys, err := app.Store.Keys(ctx, store.PrefixCache); err == nil {
		values["cached records"] = fmt.Sprintf("%d", len(keys))
	}
	if entries, err := app.Orders.Outbox(ctx); err == nil {
		values["outbox"] = fmt.Sprintf("%d queued", len(entries))
	}
	if ids, err := app.Sessions.Stations(ctx); err == nil {
		values["saved stations"] = fmt.Sprintf("%d", len(ids))
	}

	printer.KeyValues(values)
	return nil
}
