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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iNandix/denis/internal/app"
	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/gateway"
	"github.com/iNandix/denis/internal/scheduler"
)

var planPhase string

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <request.json>",
		Short: "Build and print the inference plan for a request, without routing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	cmd.Flags().StringVar(&planPhase, "phase", "", "gateway resolution phase (with --seed-map)")
	return cmd
}

// loadRequest reads one InferenceRequest from a JSON file and validates it
// before any component sees it.
func loadRequest(path string) (datatypes.InferenceRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return datatypes.InferenceRequest{}, err
	}
	var req datatypes.InferenceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return datatypes.InferenceRequest{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := req.Validate(); err != nil {
		return datatypes.InferenceRequest{}, err
	}
	return req, nil
}

// overridesFor resolves the request through the Gateway Router when one is
// configured, translating the resolved profile into scheduler overrides.
func overridesFor(a *app.App, cmd *cobra.Command, req datatypes.InferenceRequest, phase string) scheduler.Overrides {
	if a.Gateway == nil {
		return scheduler.Overrides{}
	}
	resolved := a.Gateway.Resolve(cmd.Context(), req.TaskType, phase)
	ov := scheduler.Overrides{CandidateEngineIDs: resolved.CandidateEngineIDs}
	if resolved.Strategy == gateway.StrategySingle {
		ov.MaxAttempts = 1
	}
	if resolved.Budget.TimeoutMs != nil {
		ov.TotalTimeoutMs = *resolved.Budget.TimeoutMs
	}
	if resolved.Budget.MaxCostUSD != nil {
		ov.MaxCostUSD = resolved.Budget.MaxCostUSD
	}
	return ov
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args[0])
	if err != nil {
		return err
	}

	a, err := app.Bootstrap(app.BootstrapOptions{
		RegistryDescriptorPath: registryPath,
		GatewaySeedMapPath:     seedMapPath,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	pl, release, err := a.Scheduler.Schedule(cmd.Context(), req, overridesFor(a, cmd, req, planPhase))
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPlan) || errors.Is(err, scheduler.ErrAtParallelLimit) {
			fmt.Println("No plan:", err)
			return nil
		}
		return err
	}
	defer release()

	return printJSON(pl)
}
