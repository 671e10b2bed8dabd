package app

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
	"github.com/spf13/viper"

	"github.com/stationboard/stationboard/internal/api"
	"github.com/stationboard/stationboard/internal/config"
	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/messages"
	"github.com/stationboard/stationboard/internal/poller"
	"github.com/stationboard/stationboard/internal/runner"
	"github.com/stationboard/stationboard/internal/serverconfig"
	"github.com/stationboard/stationboard/internal/system"
	"github.com/stationboard/stationboard/internal/telemetry"
	"github.com/stationboard/stationboard/internal/transit"
	"github.com/stationboard/stationboard/internal/update"
	"github.com/stationboard/stationboard/internal/users"
)

const (
	gracefulTimeout   = 30 * time.Second
	serverReadTimeout = 10 * time.Second
	serverIdleTimeout = 60 * time.Second
	// No write timeout: the update stream stays open for the duration
	// of a git pull.
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kiosk API server",
		Long: `Start the HTTP server that backs the kiosk: settings, messages,
users, system actions, and the git self-update endpoints.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Address to listen on (overrides config file)")
	cmd.Flags().String("config", "", "Path to server configuration file (YAML)")
	cmd.Flags().String("data-dir", "", "Directory for persisted JSON documents (overrides config file)")
	cmd.Flags().String("repo-dir", "", "Git working tree to self-update (overrides config file)")
	for _, flag := range []string{"address", "config", "data-dir", "repo-dir"} {
		if err := viper.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", flag, err)
			os.Exit(1)
		}
	}
	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := serverconfig.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if v := viper.GetString("address"); v != "" {
		cfg.Address = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("repo-dir"); v != "" {
		cfg.RepoDir = v
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	slog.Info("starting stationboard server",
		"address", cfg.Address,
		"data_dir", cfg.DataDir,
		"repo_dir", cfg.RepoDir)

	// The one process-wide coordinator; every consumer gets this
	// instance.
	coord := coordinator.New()
	run := runner.New()
	metrics := telemetry.New()

	configStore := config.NewStore(cfg.ConfigPath())
	messageStore := messages.NewStore(cfg.MessagesPath())
	userStore := users.NewStore(cfg.UsersPath())

	if creds, err := userStore.EnsureDefault(); err != nil {
		return fmt.Errorf("bootstrap user store: %w", err)
	} else if creds != nil {
		// Printed exactly once; the password is not retrievable again.
		fmt.Printf("Created default account %q with password: %s\n", creds.Username, creds.Password)
	}

	var workflowOpts []update.Option
	if cfg.EnableMetrics {
		workflowOpts = append(workflowOpts, update.WithMetrics(metrics))
	}
	workflow := update.New(run, coord, configStore, cfg.RepoDir, workflowOpts...)
	sysService := system.NewService(run)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	checkPoller := poller.New(workflow, coord, configStore)
	go func() {
		if err := checkPoller.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("update check poller failed", "error", err)
		}
	}()
	go func() {
		if err := configStore.Watch(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("config watcher stopped", "error", err)
		}
	}()

	deps := api.Deps{
		Coordinator: coord,
		Config:      configStore,
		Users:       userStore,
		Messages:    messageStore,
		Workflow:    workflow,
		System:      sysService,
		Transit:     transit.EmptyDirectory{},
		Version:     Version,
	}
	if cfg.EnableMetrics {
		deps.Metrics = metrics
	}

	server := &http.Server{
		Addr:        cfg.Address,
		Handler:     api.NewServer(deps),
		ReadTimeout: serverReadTimeout,
		IdleTimeout: serverIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "address", cfg.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	checkPoller.Stop()
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}
