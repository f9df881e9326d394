// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the indieauth command-line application.
package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/indieauth/pkg/authserver"
	"github.com/stacklok/indieauth/pkg/logger"
	"github.com/stacklok/indieauth/pkg/versions"
)

// EnvPrefix prefixes every environment override, e.g. INDIEAUTH_ISSUER.
const EnvPrefix = "INDIEAUTH"

// NewRootCmd creates a new root command for the indieauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "indieauth",
		DisableAutoGenTag: true,
		Short:             "IndieAuth authorization server",
		Long: `indieauth is an IndieAuth / OAuth 2.0 authorization server. It issues
authorization codes with PKCE, signed JWT access tokens and rotating refresh
tokens, and serves token introspection, revocation and a public JWKS.

Configuration is read from the YAML file given with --config. Settings can be
overridden with INDIEAUTH_* environment variables.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newKeysCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versions.GetVersionInfo().String())
		},
	}
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration file for syntax and semantic errors.

This command checks:
- YAML syntax and unknown fields
- Lifetime syntax
- Key material loading
- Storage backend settings`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

// loadConfig reads the run configuration named by --config and resolves it.
// The issuer and listen address may be overridden through viper.
func loadConfig() (authserver.Config, error) {
	rc := &authserver.RunConfig{}
	if configPath := viper.GetString("config"); configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
		loaded, err := authserver.LoadRunConfig(configPath)
		if err != nil {
			return authserver.Config{}, fmt.Errorf("configuration loading failed: %w", err)
		}
		rc = loaded
	}

	if issuer := viper.GetString("issuer"); issuer != "" {
		rc.Issuer = issuer
	}
	if addr := viper.GetString("listen-address"); addr != "" {
		rc.ListenAddress = addr
	}
	if rc.Issuer == "" {
		return authserver.Config{}, fmt.Errorf("no issuer configured, use --config or %s_ISSUER", EnvPrefix)
	}

	return rc.ToConfig()
}
