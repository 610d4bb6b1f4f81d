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
	"sort"

	"github.com/spf13/cobra"

	"github.com/iNandix/denis/internal/trace"
)

var tracesDir string

func newTracesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Inspect the rolling decision-trace channel",
	}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print every still-live trace from a persisted channel store",
		RunE:  runTracesDump,
	}
	dump.Flags().StringVar(&tracesDir, "dir", "", "path to the channel's Badger directory")
	_ = dump.MarkFlagRequired("dir")
	cmd.AddCommand(dump)
	return cmd
}

func runTracesDump(_ *cobra.Command, _ []string) error {
	ch, err := trace.NewRollingChannelAt(tracesDir, trace.DefaultChannelTTL)
	if err != nil {
		return err
	}
	defer ch.Close()

	traces, err := ch.Recent()
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Println("No live traces.")
		return nil
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].Ts.Before(traces[j].Ts) })

	fmt.Printf("%-24s %-18s %-10s %-16s %-28s %s\n", "TS", "KIND", "MODE", "ENGINE", "REASON", "REQUEST_ID")
	for _, t := range traces {
		fmt.Printf("%-24s %-18s %-10s %-16s %-28s %s\n",
			t.Ts.Format("2006-01-02T15:04:05.000"), t.Kind, t.Mode, t.Engine, t.Reason, t.RequestID)
	}
	fmt.Printf("\n%d live trace(s).\n", len(traces))
	return nil
}
