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
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iNandix/denis/internal/app"
	"github.com/iNandix/denis/internal/datatypes"
	"github.com/iNandix/denis/internal/router"
	"github.com/iNandix/denis/internal/scheduler"
)

var routePhase string

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [request.json]",
		Short: "Schedule and route a request, printing the response envelope",
		Long: `Schedule and route a request, printing the response envelope.

With a request.json argument the request is read from the file. Without
one, an interactive form composes the request on the spot.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRoute,
	}
	cmd.Flags().StringVar(&routePhase, "phase", "", "gateway resolution phase (with --seed-map)")
	return cmd
}

// promptRequest composes an InferenceRequest interactively.
func promptRequest() (datatypes.InferenceRequest, error) {
	var prompt, routeType, taskType string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Prompt").
				Description("The user message to route").
				Value(&prompt).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("prompt must not be empty")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Route type").
				Options(
					huh.NewOption("fast-talk", "fast-talk"),
					huh.NewOption("project", "project"),
					huh.NewOption("research", "research"),
				).
				Value(&routeType),
			huh.NewInput().
				Title("Task type").
				Description("Gateway intent; empty falls to chat_general").
				Value(&taskType),
		),
	)
	if err := form.Run(); err != nil {
		return datatypes.InferenceRequest{}, err
	}

	return datatypes.InferenceRequest{
		RequestID: uuid.NewString(),
		RouteType: routeType,
		TaskType:  taskType,
		Payload: datatypes.Payload{
			Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: prompt}},
		},
	}, nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	var req datatypes.InferenceRequest
	var err error
	if len(args) == 1 {
		req, err = loadRequest(args[0])
	} else {
		req, err = promptRequest()
	}
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

	pl, release, err := a.Scheduler.Schedule(cmd.Context(), req, overridesFor(a, cmd, req, routePhase))
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPlan) {
			// No eligible engine: fall through to the legacy heuristic so
			// the operator still sees a full envelope, degraded or not.
			resp, rerr := a.Router.RouteLegacy(cmd.Context(), req, router.QueryProfile{}, a.Config.RouterMaxAttempts)
			if rerr != nil {
				return rerr
			}
			return printJSON(resp)
		}
		return err
	}
	defer release()

	resp, err := a.Router.Route(cmd.Context(), req, pl)
	if err != nil {
		return err
	}
	return printJSON(resp)
}
