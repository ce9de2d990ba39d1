// Package color styles CLI output. It honours NO_COLOR, TERM=dumb and the
// --no-color flag, and never colors output that is not a terminal.
package color

import (
	"os"

	"github.com/fatih/color"

	"github.com/jvs-project/jvb/pkg/model"
)

// Init decides once, at startup, whether output is colored.
func Init(noColorFlag bool) {
	if noColorFlag || os.Getenv("TERM") == "dumb" {
		color.NoColor = true
	}
}

// Enabled reports whether color output is enabled.
func Enabled() bool { return !color.NoColor }

// Disable turns off color output.
func Disable() { color.NoColor = true }

// Enable forces color output on.
func Enable() { color.NoColor = false }

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Success formats a success message in green.
func Success(s string) string { return green(s) }

// Error formats an error message in bold red.
func Error(s string) string { return red(s) }

// Warning formats a warning in yellow.
func Warning(s string) string { return yellow(s) }

// SnapshotID formats a snapshot ID.
func SnapshotID(s string) string { return cyan(s) }

// Dim formats secondary text.
func Dim(s string) string { return dim(s) }

// Header formats a section header.
func Header(s string) string { return bold(s) }

// Status colors a run status by outcome.
func Status(s model.RunStatus) string {
	switch s {
	case model.RunComplete:
		return Success(string(s))
	case model.RunInterrupted:
		return Warning(string(s))
	default:
		return Error(string(s))
	}
}
