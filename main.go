package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"triage/auth"
	"triage/backend"
	"triage/config"
	"triage/db"
	"triage/handlers"
	"triage/i18n"
	"triage/lockout"
	"triage/logger"
	"triage/metrics"
	"triage/session"
	"triage/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Web UI for AI-assisted symptom triage",
	Long: `triage serves the login, dashboard and admin pages and forwards
symptom descriptions to the diagnosis API.

Settings come from an optional TOML file, a .env file and environment
variables such as SECRET_KEY, USERS_FILE, BACKEND_URL and UI_PORT.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger.Init()

	if err := config.LoadConfig(configPath); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := &config.AppConfig

	if err := i18n.Load(); err != nil {
		return fmt.Errorf("loading translations: %w", err)
	}

	st := store.New(cfg.UsersFile, slog.Default())
	policy := lockout.Policy{MaxAttempts: cfg.MaxLoginAttempts, Duration: cfg.LockoutDurationValue()}
	authenticator := auth.New(st, policy, cfg.BcryptCost, slog.Default())

	seeded, err := authenticator.EnsureDefaultAccounts(time.Now())
	if err != nil {
		return fmt.Errorf("seeding default accounts: %w", err)
	}
	if seeded {
		slog.Warn("created default accounts admin and doctor; change their passwords", "users_file", st.Path())
	}

	history, err := db.Open(cfg.HistoryDB, cfg.SessionKey)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer history.Close()

	manager := session.NewManager(cfg.SessionTimeoutDuration())
	binder := session.NewBinder(cfg.SessionKey, cfg.CookieSecure, manager)
	client := backend.New(cfg.BackendURL, cfg.BackendTimeoutDuration(), []byte(cfg.APISecret))
	ui := handlers.New(cfg, authenticator, binder, client, history, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, manager)

	srv := &http.Server{
		Addr:              cfg.UIAddr(),
		Handler:           ui.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.BackendTimeoutDuration() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("UI server starting", "addr", srv.Addr, "app", cfg.AppName, "backend", client.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down UI server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sweepSessions(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := manager.Sweep(now); n > 0 {
				slog.Debug("swept sessions", "removed", n)
			}
			metrics.ActiveSessions.Set(float64(manager.Active(now)))
		}
	}
}
