// Command bayoud runs the collaborative document server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sfescape/bayou/config"
	"github.com/sfescape/bayou/logging"
	"github.com/sfescape/bayou/server"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		dataDir     string
		redisAddr   string
		logLevel    string
		development bool
	)

	root := &cobra.Command{
		Use:   "bayoud",
		Short: "Collaborative document server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("redis") {
				cfg.RedisAddr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("development") {
				cfg.Development = development
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.Development, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			logger.Info("Shut down cleanly")
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	root.Flags().StringVar(&dataDir, "data-dir", "", "badger data directory (empty = in-memory)")
	root.Flags().StringVar(&redisAddr, "redis", "", "redis address for cross-server carets")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().BoolVar(&development, "development", false, "console log encoder")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
