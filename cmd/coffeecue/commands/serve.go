package commands

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fruithappens/coffeecue/internal/printer"
	"github.com/fruithappens/coffeecue/internal/statusserver"
	"github.com/fruithappens/coffeecue/pkg/degraded"
	"github.com/fruithappens/coffeecue/pkg/resilience"
	"github.com/spf13/cobra"
)

var (
	serveListen    string
	serveSyncEvery time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a long-lived instance with local health and metrics endpoints",
	Long: `Run one client session instance until interrupted:

  - follows mode changes made by other instances
  - probes the API at the configured interval while degraded
  - keeps the queue cache warm every --sync-every
  - serves /healthz, /state and /metrics on --listen

Examples:
  coffeecue serve
  coffeecue serve --listen=:9464 --sync-every=15s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Status server address (default from config status.listen)")
	serveCmd.Flags().DurationVar(&serveSyncEvery, "sync-every", 30*time.Second, "Queue cache refresh interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Controller.OnTransition(func(tr degraded.Transition) {
		printer.Mode(string(tr.To), string(tr.Reason))
	})
	app.Start(ctx)

	listen := serveListen
	if listen == "" {
		listen = app.Config.Status.Listen
	}
	status := statusserver.New(app.Store, app.Controller, app.Registry, app.Instance)
	addr, err := status.Start(listen)
	if err != nil {
		return printer.Error(
			"failed to start status server",
			err.Error(),
			[]string{"Choose another address with --listen"},
		)
	}

	printer.Mode(string(app.Controller.Mode()), string(app.Controller.State().Reason))
	printer.Info("Instance %s serving status on http://%s (Ctrl-C to stop)\n", app.Instance, addr)

	runLoops(ctx, app, app.Config.Resilience.ProbeInterval, serveSyncEvery)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := status.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Status] Shutdown error: %v", err)
	}
	printer.Info("Stopped\n")
	return nil
}

// runLoops probes while degraded and refreshes the queue cache until ctx is done.
func runLoops(ctx context.Context, app *resilience.App, probeEvery, syncEvery time.Duration) {
	probe := time.NewTicker(probeEvery)
	defer probe.Stop()

	var syncC <-chan time.Time
	if syncEvery > 0 {
		sync := time.NewTicker(syncEvery)
		defer sync.Stop()
		syncC = sync.C
		syncQueues(ctx, app)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			if app.Controller.Mode() != degraded.ModeDegraded {
				continue
			}
			if err := app.Controller.Reconnect(ctx); err != nil && !errors.Is(err, degraded.ErrProbeThrottled) {
				log.Printf("[Serve] Still degraded: %v", err)
			}
		case <-syncC:
			syncQueues(ctx, app)
		}
	}
}

// syncQueues reads every queue once so the cache mirrors the API.
func syncQueues(ctx context.Context, app *resilience.App) {
	if app.Controller.ShouldUseCache() {
		return
	}
	if _, err := app.Orders.Pending(ctx); err != nil {
		log.Printf("[Serve] Pending sync failed: %v", err)
		return
	}
	if _, err := app.Orders.InProgress(ctx); err != nil {
		log.Printf("[Serve] In-progress sync failed: %v", err)
		return
	}
	if _, err := app.Orders.Completed(ctx); err != nil {
		log.Printf("[Serve] Completed sync failed: %v", err)
		return
	}
	if _, err := app.Orders.Stations(ctx); err != nil {
		log.Printf("[Serve] Stations sync failed: %v", err)
		return
	}
	if _, err := app.Orders.Inventory(ctx); err != nil {
		log.Printf("[Serve] Inventory sync failed: %v", err)
	}
}
