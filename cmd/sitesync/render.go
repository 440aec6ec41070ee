package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// tone classifies a status value for terminal coloring.
type tone int

const (
	toneNeutral tone = iota
	toneGood
	toneCaution
	toneBad
)

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorCyan   = "\x1b[36m"
)

// fieldLine renders one "label value" row of a status section, tinting the
// value by tone when the terminal supports it.
func fieldLine(label, value string, tn tone, colorize bool) string {
	if colorize {
		if tint := toneColor(tn); tint != "" {
			value = tint + value + colorReset
		}
	}
	return fmt.Sprintf("  %-18s %s", label, value)
}

func toneColor(tn tone) string {
	switch tn {
	case toneGood:
		return colorGreen
	case toneCaution:
		return colorYellow
	case toneBad:
		return colorRed
	default:
		return ""
	}
}

// sectionTitle renders an uppercase section heading for the status output.
func sectionTitle(title string, colorize bool) string {
	heading := strings.ToUpper(strings.TrimSpace(title))
	if colorize {
		heading = colorCyan + heading + colorReset
	}
	return heading
}

// colorTerminal reports whether w is a terminal that should receive ANSI
// colors. Setting NO_COLOR disables coloring regardless of the terminal.
func colorTerminal(w io.Writer) bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}
