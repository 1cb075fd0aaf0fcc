package config

import (
	"fmt"
	"strings"
)

// ConfigurationError represents a structured error that occurs during configuration loading
type ConfigurationError struct {
	FilePath    string   `json:"filePath"`    // Full path to the file that caused the error
	FileName    string   `json:"fileName"`    // Base name of the file
	ErrorType   string   `json:"errorType"`   // Type of error (parse, validation, io)
	Message     string   `json:"message"`     // Human-readable error message
	Suggestions []string `json:"suggestions"` // Actionable suggestions to fix the error
}

// Error implements the error interface
func (ce ConfigurationError) Error() string {
	return fmt.Sprintf("%s (%s error): %s", ce.FileName, ce.ErrorType, ce.Message)
}

// DetailedError returns a detailed error message with all context
func (ce ConfigurationError) DetailedError() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Configuration error in %s", ce.FileName))
	parts = append(parts, fmt.Sprintf("  File: %s", ce.FilePath))
	parts = append(parts, fmt.Sprintf("  Type: %s", ce.ErrorType))
	parts = append(parts, fmt.Sprintf("  Error: %s", ce.Message))

	suggestions := ce.Suggestions
	if len(suggestions) == 0 {
		suggestions = defaultSuggestions(ce.ErrorType)
	}
	if len(suggestions) > 0 {
		parts = append(parts, "  Suggestions:")
		for _, suggestion := range suggestions {
			parts = append(parts, fmt.Sprintf("    - %s", suggestion))
		}
	}
	return strings.Join(parts, "\n")
}

func defaultSuggestions(errorType string) []string {
	switch errorType {
	case "parse":
		return []string{
			"Check for unbalanced braces or quotes",
			"Keys must be quoted in JSON; comments and trailing commas are allowed",
		}
	case "validation":
		return []string{
			"Every server needs a command or a package_name",
			"Run 'mcphub list' after fixing to confirm the file loads",
		}
	}
	return nil
}
