package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/channels/whatsapp"
	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/config"
	"github.com/jholhewres/wachat/pkg/wachat/gateway"
	"github.com/jholhewres/wachat/pkg/wachat/scheduler"
)

// newServeCmd creates the `wachat serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and answer messages",
		Long: `Start WaChat as a service: connect to WhatsApp (printing a login QR
code on first run), answer messages, run the retention job and, when
enabled, serve the admin API.

Examples:
  wachat serve
  wachat serve --config ./config.yaml
  wachat serve --gateway :8085`,
		RunE: runServe,
	}

	cmd.Flags().String("gateway", "", "serve the admin API on this address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveServeConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("gateway"); addr != "" {
		cfg.Gateway.Enabled = true
		cfg.Gateway.Address = addr
	}

	logger := newLogger(cmd, cfg, os.Stdout)
	config.ResolveAPIKey(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Channels ──
	manager := channels.NewManager(logger)
	wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
	if err := manager.Register(wa); err != nil {
		return fmt.Errorf("registering WhatsApp: %w", err)
	}
	qrEvents, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()
	go printQR(ctx, cmd.OutOrStdout(), qrEvents, wa)

	// ── Engine ──
	rt, err := openRuntime(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	access := chat.NewAccess(cfg.Access, logger)
	assistant := chat.NewAssistant(manager, rt.engine, access, logger)

	if err := manager.Start(ctx); err != nil {
		logger.Warn("some channels failed to start", "error", err)
	}

	// ── Maintenance jobs ──
	sched := scheduler.New(logger)
	if _, err := sched.AddRetention(rt.engine.Conversations(), cfg.History.Retention, cfg.History.PruneSchedule, rt.metrics.RetentionPruned); err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}
	if err := sched.Add("channel-health", "@every 30s", func(context.Context) error {
		for name, h := range manager.Health() {
			rt.metrics.SetChannelConnected(name, h.Connected)
		}
		return nil
	}); err != nil {
		return err
	}
	sched.Start(ctx)

	// ── Admin API ──
	if cfg.Gateway.Enabled {
		gw := gateway.New(rt.engine, rt.metrics, cfg.Gateway.Token, logger)
		gw.SetHealthSource(manager)
		gw.SetJobLister(sched)
		go func() {
			if err := gw.ListenAndServe(ctx, cfg.Gateway.Address); err != nil {
				logger.Error("admin API stopped", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- assistant.Run(ctx) }()

	logger.Info("WaChat running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"prefix", cfg.Bot.Prefix,
		"model", cfg.LLM.Model,
		"backend", cfg.Database.Backend,
	)

	wait := done
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping...")
	case err := <-done:
		wait = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("assistant stopped", "error", err)
		}
	}

	if gracefulShutdown(logger, 10*time.Second, wait, sched.Stop, manager.Stop) {
		logger.Info("shutdown complete")
	} else {
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// gracefulShutdown runs the stop functions and waits for the assistant to
// drain its in-flight messages (done, when non-nil) so the store is not
// closed under them. It reports false when timeout elapses first.
func gracefulShutdown(logger *slog.Logger, timeout time.Duration, done <-chan error, stops ...func()) bool {
	stopped := make(chan struct{})
	go func() {
		for _, stop := range stops {
			stop()
		}
		close(stopped)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for stopped != nil || done != nil {
		select {
		case <-stopped:
			stopped = nil
		case err := <-done:
			done = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("assistant stopped", "error", err)
			}
		case <-timer.C:
			return false
		}
	}
	return true
}

// resolveServeConfig loads the config and offers the setup wizard when no
// config file exists yet.
func resolveServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if path != "" {
		slog.Info("config loaded", "path", path)
		return cfg, nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found.")
	runSetup := true
	if err := huh.NewConfirm().
		Title("Run the setup wizard now?").
		Affirmative("Yes").
		Negative("No").
		Value(&runSetup).
		Run(); err != nil || !runSetup {
		fmt.Fprintln(cmd.OutOrStdout(), "Run 'wachat setup' to create config.yaml.")
		return nil, fmt.Errorf("configuration required before starting")
	}

	out, err := runSetupWizard(cmd.OutOrStdout(), defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	cfg, err = config.LoadFile(out)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", out, err)
	}
	return cfg, nil
}

// qrRefresher restarts the login flow after a code expires.
type qrRefresher interface {
	RequestNewQR(ctx context.Context) error
}

// printQR writes login codes for the operator to scan. The code is
// printed raw; paste it into any QR generator when no terminal renderer
// is available. Expired codes are replaced until ctx is done.
func printQR(ctx context.Context, w io.Writer, events <-chan whatsapp.QREvent, refresh qrRefresher) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case "code":
				fmt.Fprintf(w, "\nScan this code with WhatsApp (Linked devices), valid %ds:\n%s\n\n", evt.SecondsLeft, evt.Code)
			case "success":
				fmt.Fprintln(w, "WhatsApp login successful.")
			case "timeout":
				fmt.Fprintln(w, "QR code expired, requesting a new one...")
				if refresh != nil {
					if err := refresh.RequestNewQR(ctx); err != nil {
						fmt.Fprintf(w, "Could not refresh the QR code: %v\n", err)
					}
				}
			case "error":
				fmt.Fprintf(w, "WhatsApp login failed: %s\n", evt.Message)
			}
		}
	}
}
