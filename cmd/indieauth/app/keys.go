// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
)

type keysGenerateFlags struct {
	algorithm string
	count     int
	out       string
}

// newKeysCmd creates the keys command group
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	flags := &keysGenerateFlags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a private JWKS",
		Long: `Generate signing keys and write them as a private JSON Web Key Set.

The output can be referenced from the configuration file with keys.jwks_file.
Without --out the key set is printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeysGenerate(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.algorithm, "alg", keys.DefaultAlgorithm, "Signing algorithm (ES256, ES384, ES512, RS256, EdDSA)")
	cmd.Flags().IntVar(&flags.count, "count", keys.DefaultGeneratedKeys, "Number of keys to generate")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "Output file")
	return cmd
}

func runKeysGenerate(cmd *cobra.Command, flags *keysGenerateFlags) error {
	if flags.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	set, err := keys.GenerateKeySet(flags.algorithm, flags.count)
	if err != nil {
		return fmt.Errorf("failed to generate keys: %w", err)
	}

	if flags.out == "" {
		data, err := json.MarshalIndent(set.Private(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode JWKS: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if err := keys.WriteJWKSFile(flags.out, set); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d %s keys to %s\n", flags.count, flags.algorithm, flags.out)
	return nil
}
