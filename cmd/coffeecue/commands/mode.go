package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/pkg/degraded"
	"github.com/spf13/cobra"
)

var resetConfirmed bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the order API and leave degraded mode if it answers",
	Long: `Send a health probe to the order API. When the namespace is in degraded
mode and the probe succeeds, every instance returns to connected mode and
transitions queued while offline are replayed.

The probe is a no-op in connected mode.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

var degradeCmd = &cobra.Command{
	Use:   "degrade",
	Short: "Force degraded mode for every instance in the namespace",
	Long: `Switch the namespace to degraded mode. Clients serve queue reads from
the durable cache and queue order transitions in the outbox until a probe
succeeds.`,
	Args: cobra.NoArgs,
	RunE: runDegrade,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the durable cache and resilience state",
	Long: `Delete every cached record and the persisted mode and failure counters,
returning the namespace to connected mode. Saved station queues, the
credential and the outbox are kept.

Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetConfirmed, "yes", "y", false, "Confirm the reset")
	rootCmd.AddCommand(probeCmd, degradeCmd, resetCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Controller.Mode() == degraded.ModeConnected {
		if err := app.API.Health(ctx); err != nil {
			printer.Warning("Connected mode, but the API did not answer: %v\n", err)
			return nil
		}
		printer.Success("Connected mode; API is healthy\n")
		return nil
	}

	printer.Step("Probing %s/health\n", app.Config.API.URL)
	if err := app.Controller.Reconnect(ctx); err != nil {
		if errors.Is(err, degraded.ErrProbeThrottled) {
			return printer.Error("probe throttled", "A probe was sent too recently.",
				[]string{fmt.Sprintf("Wait %s and try again", app.Config.Resilience.ProbeInterval)})
		}
		return printer.Error(
			"API still unreachable",
			fmt.Sprintf("Error: %v", err),
			[]string{"Clients keep serving cached data; probe again later"},
		)
	}

	printer.Success("Reconnected; namespace is back in connected mode\n")
	return nil
}

func runDegrade(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Controller.Mode() == degraded.ModeDegraded {
		printer.Info("Already in degraded mode\n")
		return nil
	}
	if err := app.Controller.SetDegraded(ctx); err != nil {
		return fmt.Errorf("failed to persist degraded mode: %w", err)
	}
	printer.Success("Namespace '%s' switched to degraded mode\n", app.Config.Storage.Namespace)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirmed {
		return printer.Error(
			"reset not confirmed",
			"Reset deletes every cached record in the namespace.",
			[]string{"Re-run with --yes to confirm"},
		)
	}

	ctx := context.Background()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Controller.Reset(ctx); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	printer.Success("Cache and resilience state cleared for namespace '%s'\n", app.Config.Storage.Namespace)
	return nil
}
