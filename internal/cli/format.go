package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"

	"mcphub/internal/api"
)

// NotAvailable fills empty cells.
const NotAvailable = "N/A"

// FormatState renders a lifecycle state, coloured when colored is set.
func FormatState(state api.ServerState, colored bool) string {
	s := string(state)
	if !colored {
		return s
	}
	switch state {
	case api.StateRunning:
		return text.FgGreen.Sprint(s)
	case api.StateStarting, api.StateStopping, api.StateZombie:
		return text.FgYellow.Sprint(s)
	case api.StateCrashed, api.StateUnknown:
		return text.FgRed.Sprint(s)
	}
	return text.FgHiBlack.Sprint(s)
}

// FormatPorts joins ports with ", ".
func FormatPorts(ports []int) string {
	if len(ports) == 0 {
		return NotAvailable
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}

// FormatTime renders t in local time, or N/A for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// OrNA returns s, or N/A when s is empty.
func OrNA(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}

// FormatSuccess formats a success message for CLI output.
func FormatSuccess(msg string) string {
	return text.FgGreen.Sprint("✓ ") + msg
}

// FormatWarning formats a warning message for CLI output.
func FormatWarning(msg string) string {
	return text.FgYellow.Sprint("⚠ " + msg)
}

// FormatError formats an error message for CLI output.
func FormatError(err error) string {
	return text.FgRed.Sprint("Error: ") + fmt.Sprint(err)
}

// FormatHint formats a follow-up suggestion.
func FormatHint(msg string) string {
	return text.FgHiBlue.Sprint(msg)
}
