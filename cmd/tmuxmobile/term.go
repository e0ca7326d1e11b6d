package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// termStyle renders CLI output, colored only when stdout is a terminal.
type termStyle struct {
	useColors bool
}

func newTermStyle() *termStyle {
	return &termStyle{
		useColors: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (t *termStyle) colorize(code, text string) string {
	if !t.useColors {
		return text
	}
	return code + text + ansiReset
}

func (t *termStyle) status(code, glyph, msg string) {
	fmt.Println(t.colorize(code, glyph+" "+msg))
}

// Success marks a completed step.
func (t *termStyle) Success(msg string) {
	t.status(ansiGreen, "✓", msg)
}

// Warn marks a non-fatal problem.
func (t *termStyle) Warn(msg string) {
	t.status(ansiYellow, "⚠", msg)
}

// Error marks a failed step.
func (t *termStyle) Error(msg string) {
	t.status(ansiRed, "✗", msg)
}

// Header opens a setup section.
func (t *termStyle) Header(title string) {
	bar := strings.Repeat("─", 48)
	fmt.Println()
	fmt.Println(t.colorize(ansiCyan, bar))
	fmt.Println(t.colorize(ansiBold, "  "+title))
	fmt.Println(t.colorize(ansiCyan, bar))
	fmt.Println()
}

// Hint prints dimmed guidance under a status line.
func (t *termStyle) Hint(text string) {
	fmt.Println(t.colorize(ansiDim, "  "+text))
}

// URL highlights an address the user is meant to open or copy.
func (t *termStyle) URL(text string) string {
	return t.colorize(ansiCyan, text)
}

// KeyValue prints one aligned summary row.
func (t *termStyle) KeyValue(key, value string) {
	fmt.Printf("  %s %s\n", t.colorize(ansiBold, fmt.Sprintf("%-14s", key+":")), value)
}

// Println prints plain text.
func (t *termStyle) Println(text string) {
	fmt.Println(text)
}

// Blank prints an empty line.
func (t *termStyle) Blank() {
	fmt.Println()
}
