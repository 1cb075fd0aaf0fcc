// Package strings holds small text helpers shared by the CLI and the tool
// aggregator.
package strings

import (
	"strings"
)

const (
	// DefaultDescriptionMaxLen bounds tool descriptions in tables.
	DefaultDescriptionMaxLen = 60
	// DefaultCommandMaxLen bounds command lines in `ps` and `list`.
	DefaultCommandMaxLen = 50
	// MinTruncateLen leaves room for one character plus "...".
	MinTruncateLen = 4
)

// TruncateDescription collapses all whitespace in s to single spaces and
// cuts the result to maxLen runes, ending in "..." when shortened.
func TruncateDescription(s string, maxLen int) string {
	return truncate(strings.Join(strings.Fields(s), " "), maxLen)
}

// TruncateCommand joins a command line with spaces and cuts it to maxLen
// runes. Arguments are not quoted.
func TruncateCommand(cmdline []string, maxLen int) string {
	return truncate(strings.Join(cmdline, " "), maxLen)
}

func truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
