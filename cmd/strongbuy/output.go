package main

import (
	"fmt"
	"io"
	"os"
)

// style is an ANSI SGR sequence.
type style string

const (
	styleReset  style = "\033[0m"
	styleBold   style = "\033[1m"
	styleRed    style = "\033[31m"
	styleGreen  style = "\033[32m"
	styleYellow style = "\033[33m"
	styleCyan   style = "\033[36m"
)

// paint wraps text in s unless --no-color or NO_COLOR is in effect.
func (s style) paint(text string) string {
	if noColor {
		return text
	}
	return string(s) + text + string(styleReset)
}

func bold(text string) string   { return styleBold.paint(text) }
func accent(text string) string { return styleCyan.paint(text) }

// notices go to stderr so that command output on stdout stays pipeable.
var noticeOut io.Writer = os.Stderr

func notice(glyph string, s style, format string, args []any) {
	fmt.Fprintln(noticeOut, s.paint(glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice("✓", styleGreen, format, args) }
func printError(format string, args ...any)   { notice("✗", styleRed, format, args) }
func printWarning(format string, args ...any) { notice("⚠", styleYellow, format, args) }
func printStep(format string, args ...any)    { notice("→", styleCyan, format, args) }

// printStatus prints one "label: value" row of the status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(noticeOut, "  %s %s\n", bold(label+":"), fmt.Sprintf(format, args...))
}
