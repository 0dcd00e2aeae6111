package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/ggoodman/session-scope-go/config"
	"github.com/ggoodman/session-scope-go/internal/logctx"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "Session and scope lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background session sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (overrides HTTP_ADDR)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	root.AddCommand(serveCmd, configCmd)
	return root
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
