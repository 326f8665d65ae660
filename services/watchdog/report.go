// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watchdog

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorHealthy = lipgloss.Color("#2CD7C7")
	colorDead    = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleHealthy = lipgloss.NewStyle().Bold(true).Foreground(colorHealthy)
	styleDead    = lipgloss.NewStyle().Bold(true).Foreground(colorDead)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

// FormatStatus renders the one-line status. styled adds terminal colors
// and should only be set when stdout is a TTY.
func FormatStatus(v Verdict, styled bool) string {
	line := v.StatusLine()
	if !styled {
		return line
	}
	label, rest, _ := strings.Cut(line, " ")
	if v.Alive {
		return styleHealthy.Render(label) + " " + rest
	}
	return styleDead.Render(label) + " " + rest
}

// FormatResults renders one line per evaluated signal.
func FormatResults(v Verdict, styled bool) string {
	var b strings.Builder
	for _, r := range v.Results {
		mark := "-"
		if r.Alive {
			mark = "+"
		}
		name := r.Signal
		if styled {
			name = styleMuted.Render(name)
		}
		b.WriteString("  " + mark + " " + name + ": " + r.Detail + "\n")
	}
	return b.String()
}
