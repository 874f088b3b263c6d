package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildnet/buildnet/pkg/api"
	"github.com/buildnet/buildnet/pkg/config"
	"github.com/buildnet/buildnet/pkg/daemon"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildnetd",
	Short: "BuildNet - Distributed build orchestration master",
	Long: `BuildNet coordinates distributed builds across a pool of workers:
it watches the source tree, schedules micro-bundles under dependency and
capability constraints, and records every state mutation in a
tamper-evident double-entry audit ledger.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"BuildNet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the master daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		bind, _ := cmd.Flags().GetString("bind")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if bind != "" {
			cfg.Network.Bind = bind
		}

		d, err := daemon.New(cfg, daemon.Options{})
		if err != nil {
			return fmt.Errorf("failed to assemble daemon: %w", err)
		}
		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		defer d.Stop()

		server := api.NewServer(d)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe(cfg.Network.Bind)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serveCmd.Flags().String("bind", "", "API bind address (overrides config)")
}
