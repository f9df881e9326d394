// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/indieauth/pkg/authserver"
	"github.com/stacklok/indieauth/pkg/logger"
)

// newServeCmd creates the serve command for starting the server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

The server reads the configuration file given with --config and listens until
interrupted. Sending SIGHUP reloads file based signing keys.`,
		RunE: runServe,
	}

	cmd.Flags().String("issuer", "", "Issuer URL (overrides the configuration file)")
	cmd.Flags().String("listen-address", "", "Listen address (overrides the configuration file)")
	if err := viper.BindPFlag("issuer", cmd.Flags().Lookup("issuer")); err != nil {
		logger.Errorf("Error binding issuer flag: %v", err)
	}
	if err := viper.BindPFlag("listen-address", cmd.Flags().Lookup("listen-address")); err != nil {
		logger.Errorf("Error binding listen-address flag: %v", err)
	}
	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorf("Failed to close server: %v", err)
		}
	}()

	go reloadOnHangup(ctx, srv)

	return srv.ListenAndServe(ctx)
}

// reloadOnHangup reloads signing keys on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, srv *authserver.Server) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := srv.ReloadKeys(ctx); err != nil {
				logger.Errorf("Key reload failed, keeping current keys: %v", err)
			}
		}
	}
}
