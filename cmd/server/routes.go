// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTasks/services/api/modules"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/router"
)

type routeReport struct {
	Routes     []router.RouteInfo `json:"routes" yaml:"routes"`
	Counts     map[string]int     `json:"counts" yaml:"counts"`
	Total      int                `json:"total" yaml:"total"`
	Shortfalls []router.Shortfall `json:"shortfalls" yaml:"shortfalls"`
}

func (a *app) routesCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the composed route table and per-tag counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := composeCatalog()
			if err != nil {
				return err
			}
			return renderRoutes(cmd.OutOrStdout(), t, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or yaml")
	return cmd
}

// composeCatalog builds the route table from the module catalog. Handlers
// are never invoked, so no database is needed.
func composeCatalog() (*router.Table, error) {
	reg := routegroup.NewRegistry()
	if err := reg.RegisterAll(modules.Catalog(modules.Deps{})...); err != nil {
		return nil, err
	}
	return router.Compose(reg)
}

func renderRoutes(w io.Writer, t *router.Table, format string) error {
	report := routeReport{
		Routes:     t.Describe(),
		Counts:     t.Introspect(),
		Total:      t.Len(),
		Shortfalls: router.CheckMinimums(t, modules.Minimums()),
	}
	if report.Shortfalls == nil {
		report.Shortfalls = []router.Shortfall{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		return renderRouteTable(w, report)
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func renderRouteTable(w io.Writer, r routeReport) error {
	routes := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("METHOD", "PATH", "TAG", "SESSION")
	for _, ri := range r.Routes {
		session := ""
		if ri.NeedsSession {
			session = "yes"
		}
		routes.Row(ri.Method, ri.Path, ri.Tag, session)
	}
	if _, err := fmt.Fprintln(w, routes.String()); err != nil {
		return err
	}

	tags := make([]string, 0, len(r.Counts))
	for tag := range r.Counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	mins := modules.Minimums()
	counts := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TAG", "ROUTES", "MINIMUM")
	for _, tag := range tags {
		counts.Row(tag, strconv.Itoa(r.Counts[tag]), strconv.Itoa(mins[tag]))
	}
	counts.Row("total", strconv.Itoa(r.Total), "")
	if _, err := fmt.Fprintln(w, counts.String()); err != nil {
		return err
	}

	for _, s := range r.Shortfalls {
		if _, err := fmt.Fprintf(w, "below minimum: %s has %d routes, needs %d\n", s.Tag, s.Have, s.Minimum); err != nil {
			return err
		}
	}
	return nil
}
