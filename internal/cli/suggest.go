package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestDistance is the largest edit distance still offered as a
// suggestion.
const maxSuggestDistance = 3

// Suggest returns the candidates closest to name, best first. Prefix
// matches always qualify.
func Suggest(name string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	var matches []scored
	lower := strings.ToLower(name)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		d := levenshtein.ComputeDistance(lower, lc)
		if d <= maxSuggestDistance || (lower != "" && strings.HasPrefix(lc, lower)) {
			matches = append(matches, scored{c, d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.name
	}
	return out
}

// UnknownNameError is returned for a server name that is not configured.
type UnknownNameError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownNameError) Error() string {
	msg := fmt.Sprintf("MCP server %q not found in configuration", e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf("; did you mean %s?", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// CheckName returns an UnknownNameError when name is not one of known.
func CheckName(name string, known []string) error {
	for _, k := range known {
		if k == name {
			return nil
		}
	}
	return &UnknownNameError{Name: name, Suggestions: Suggest(name, known)}
}
