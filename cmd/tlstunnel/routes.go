// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"io"

	"github.com/absmach/tlstunnel"
	"github.com/absmach/tlstunnel/pkg/route"
	"github.com/caarlos0/env/v11"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes [file]",
		Short: "Validate a route file and print its table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := routesPath(args)
			if err != nil {
				return err
			}
			table, err := route.Load(path)
			if err != nil {
				return err
			}
			printRoutes(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func routesPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if err := loadEnv(); err != nil {
		return "", err
	}
	var c struct {
		RoutesFile string `env:"ROUTES_FILE"`
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: tlstunnel.EnvPrefix}); err != nil {
		return "", err
	}
	if c.RoutesFile == "" {
		return "", errors.New("no route file given and " + tlstunnel.EnvPrefix + "ROUTES_FILE is not set")
	}
	return c.RoutesFile, nil
}

func printRoutes(w io.Writer, table *route.Table) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Name", "Backend", "Certificate"})
	for _, r := range table.Routes() {
		tw.Append([]string{r.Name, r.Backend, certColumn(r)})
	}
	if def, ok := table.Default(); ok {
		tw.Append([]string{"(default)", def.Backend, certColumn(def)})
	}
	tw.Render()
}

func certColumn(r route.Route) string {
	if r.CertFile == "" {
		return "-"
	}
	return r.CertFile
}
