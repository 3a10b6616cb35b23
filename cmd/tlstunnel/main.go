// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command tlstunnel runs a TLS terminating, SNI routing TCP tunnel.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile string
	Version = "dev"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tlstunnel",
		Short:         "TLS terminating, SNI routing TCP tunnel",
		Long:          `tlstunnel accepts TCP connections, terminates or passes through TLS and relays the bytes to a backend chosen by the client's SNI hostname.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of .env")
	root.AddCommand(newServeCmd(), newRoutesCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tlstunnel %s\n", Version)
		},
	})
	return root
}

// loadEnv loads the env file named by --env-file, or .env when present.
func loadEnv() error {
	if envFile != "" {
		return godotenv.Load(envFile)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
