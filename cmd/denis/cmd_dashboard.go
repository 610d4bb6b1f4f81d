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

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/iNandix/denis/internal/trace"
)

var dashboardEndpoint string

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live decision-trace view, streamed from a running denis-gatewayd",
		RunE:  runDashboard,
	}
	cmd.Flags().StringVar(&dashboardEndpoint, "endpoint", "ws://127.0.0.1:8821/v1/traces/stream", "gatewayd trace stream URL")
	return cmd
}

const dashboardRows = 20

var (
	dashTitleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	dashStatusStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	dashTableStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).Padding(0, 1)
)

// traceMsg delivers one streamed trace into the Bubble Tea loop.
type traceMsg trace.DecisionTrace

// streamErrMsg terminates the loop when the stream drops.
type streamErrMsg struct{ err error }

type dashboardModel struct {
	spinner  spinner.Model
	table    table.Model
	traces   chan trace.DecisionTrace
	errs     chan error
	rows     []table.Row
	received int
	err      error
}

func newDashboardModel(traces chan trace.DecisionTrace, errs chan error) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "TIME", Width: 12},
			{Title: "KIND", Width: 18},
			{Title: "MODE", Width: 10},
			{Title: "ENGINE", Width: 16},
			{Title: "REASON", Width: 28},
			{Title: "REQUEST", Width: 14},
		}),
		table.WithHeight(dashboardRows),
	)

	return dashboardModel{spinner: sp, table: tbl, traces: traces, errs: errs}
}

func (m dashboardModel) waitForTrace() tea.Cmd {
	return func() tea.Msg {
		select {
		case t := <-m.traces:
			return traceMsg(t)
		case err := <-m.errs:
			return streamErrMsg{err: err}
		}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForTrace())
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case traceMsg:
		m.received++
		row := table.Row{
			msg.Ts.Format("15:04:05.000"),
			string(msg.Kind),
			string(msg.Mode),
			msg.Engine,
			msg.Reason,
			msg.RequestID,
		}
		m.rows = append([]table.Row{row}, m.rows...)
		if len(m.rows) > dashboardRows {
			m.rows = m.rows[:dashboardRows]
		}
		m.table.SetRows(m.rows)
		return m, m.waitForTrace()
	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m dashboardModel) View() string {
	header := dashTitleStyle.Render("denis decision traces") +
		dashStatusStyle.Render(fmt.Sprintf("%s %d received · q to quit", m.spinner.View(), m.received))
	return header + "\n" + dashTableStyle.Render(m.table.View()) + "\n"
}

func runDashboard(_ *cobra.Command, _ []string) error {
	conn, _, err := websocket.DefaultDialer.Dial(dashboardEndpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", dashboardEndpoint, err)
	}
	defer conn.Close()

	traces := make(chan trace.DecisionTrace, 64)
	errs := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			var t trace.DecisionTrace
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			traces <- t
		}
	}()

	p := tea.NewProgram(newDashboardModel(traces, errs))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(dashboardModel); ok && m.err != nil {
		return fmt.Errorf("trace stream closed: %w", m.err)
	}
	return nil
}
