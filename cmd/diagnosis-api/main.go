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

	"triage/api"
	"triage/config"
	"triage/diagnosis"
	"triage/llm"
	"triage/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "diagnosis-api",
	Short: "JSON API that categorizes symptoms and suggests diagnoses",
	Long: `diagnosis-api answers POST /diagnose for the triage UI using a chat
completion model (LLM_PROVIDER openai or anthropic).

It shares API_SECRET with the UI to verify the bearer tokens the UI signs.`,
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

	model, err := llm.New(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
		Timeout:  cfg.LLMTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("configuring model client: %w", err)
	}
	if !model.Configured() {
		slog.Warn("no LLM_API_KEY set; diagnoses will report an error until one is configured")
	}

	orchestrator := diagnosis.New(model, slog.Default())
	server := api.NewServer(orchestrator, api.Options{
		Secret:         []byte(cfg.APISecret),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RatePerMinute:  cfg.DiagnoseRatePerMinute,
	}, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2*cfg.LLMTimeoutDuration() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagnosis API starting", "addr", srv.Addr, "provider", cfg.LLMProvider, "model", cfg.LLMModel)
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

	slog.Info("shutting down diagnosis API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
