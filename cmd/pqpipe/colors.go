package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// color.NoColor already honors NO_COLOR and non-terminal output.
var (
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorCyan   = color.New(color.FgCyan).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
	colorDim    = color.New(color.Faint).SprintFunc()
)

func printSuccess(w io.Writer, message string) {
	fmt.Fprintln(w, colorGreen("✓")+" "+message)
}

func printFailure(w io.Writer, message string) {
	fmt.Fprintln(w, colorRed("✗")+" "+message)
}

func printSkipped(w io.Writer, message string) {
	fmt.Fprintln(w, colorYellow("-")+" "+message)
}

func printError(message string) {
	fmt.Fprintln(os.Stderr, colorRed("✗")+" "+message)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n"+colorBold(colorCyan(title)))
	fmt.Fprintln(w, colorDim(strings.Repeat("─", 40)))
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(w, "  %-*s", widths[i], h)
	}
	fmt.Fprintln(w)

	for _, width := range widths {
		fmt.Fprint(w, "  "+strings.Repeat("─", width))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "  %-*s", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}
