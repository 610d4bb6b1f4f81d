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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iNandix/denis/internal/app"
	"github.com/iNandix/denis/internal/registry"
)

var (
	filterTags   []string
	filterFamily string
)

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the engine registry",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List every loaded engine, priority order",
		RunE:  runRegistryList,
	}
	list.Flags().StringSliceVar(&filterTags, "tag", nil, "only engines carrying every given tag")
	list.Flags().StringVar(&filterFamily, "family", "", "only engines of this provider family")
	cmd.AddCommand(list)
	return cmd
}

func engineFilter() registry.Filter {
	return registry.Filter{
		Tags:           filterTags,
		ProviderFamily: registry.ProviderFamily(filterFamily),
	}
}

func runRegistryList(_ *cobra.Command, _ []string) error {
	a, err := app.Bootstrap(app.BootstrapOptions{RegistryDescriptorPath: registryPath})
	if err != nil {
		return err
	}
	defer a.Close()

	engines := a.Registry.List(engineFilter())
	if len(engines) == 0 {
		fmt.Println("No engines loaded.")
		return nil
	}
	fmt.Printf("%-12s %-12s %-8s %-8s %s\n", "ENGINE_ID", "FAMILY", "PRIORITY", "COST", "TAGS")
	for _, e := range engines {
		fmt.Printf("%-12s %-12s %-8d %-8.3f %v\n", e.EngineID, e.ProviderFamily, e.Priority, e.CostFactor, e.Tags)
	}
	return nil
}
