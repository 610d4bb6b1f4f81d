// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command denis is the operator CLI for the inference control plane: it
// inspects the Engine Registry and Internet Health, and can exercise the
// Scheduler/Router library calls directly from the command line without a
// running daemon.
//
// Usage:
//
//	denis registry list --registry ./registry.yaml
//	denis health --registry ./registry.yaml
//	denis plan request.json --registry ./registry.yaml
//	denis route request.json --registry ./registry.yaml
//	denis dashboard
//	denis traces dump --dir /var/lib/denis/traces
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	registryPath string
	seedMapPath  string
)

func main() {
	root := &cobra.Command{
		Use:   "denis",
		Short: "Operator CLI for the DENIS inference control plane",
	}
	root.PersistentFlags().StringVar(&registryPath, "registry", "", "path to the engine registry descriptor (YAML)")
	root.PersistentFlags().StringVar(&seedMapPath, "seed-map", "", "path to the gateway task-profile seed map (YAML)")

	root.AddCommand(newRegistryCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newRouteCmd())
	root.AddCommand(newDashboardCmd())
	root.AddCommand(newTracesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
