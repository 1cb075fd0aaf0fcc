package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateServerName checks that a server name can be used on the command
// line and as a tool prefix.
func ValidateServerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ValidationError{Field: "name", Value: name, Message: "is required"}
	}
	if len(name) > 100 {
		return ValidationError{Field: "name", Value: name, Message: "must not exceed 100 characters"}
	}
	if strings.ContainsAny(name, " \t/\\") {
		return ValidationError{Field: "name", Value: name, Message: "cannot contain whitespace or slashes"}
	}
	if strings.Contains(name, "__") {
		return ValidationError{Field: "name", Value: name, Message: "cannot contain '__', it separates server and tool names"}
	}
	return nil
}

// Validate checks the whole file and returns ValidationErrors listing
// every problem found.
func (f *File) Validate() error {
	var errs ValidationErrors

	fixedPorts := make(map[int]string)
	for _, name := range f.Names() {
		sc := f.Servers[name]
		prefix := "mcpServers." + name

		if err := ValidateServerName(name); err != nil {
			errs.Add(prefix, err.(ValidationError).Message, name)
		}
		if strings.TrimSpace(sc.Command) == "" && strings.TrimSpace(sc.PackageName) == "" {
			errs.Add(prefix+".command", "is required unless package_name is set")
		}
		for i, p := range sc.Ports {
			field := fmt.Sprintf("%s.ports[%d]", prefix, i)
			if p < 0 || p > 65535 {
				errs.Add(field, "must be between 0 and 65535", p)
				continue
			}
			if p == 0 {
				continue
			}
			if other, ok := fixedPorts[p]; ok {
				errs.Add(field, fmt.Sprintf("port %d is also declared by %s", p, other), p)
				continue
			}
			fixedPorts[p] = name
		}
	}

	ps := f.Hub.Ports
	if ps.Base < 0 || ps.Base > 65535 {
		errs.Add("hub.ports.base", "must be between 1 and 65535", ps.Base)
	}
	if ps.MaxAttempts < 0 {
		errs.Add("hub.ports.maxAttempts", "must not be negative", ps.MaxAttempts)
	}
	checkDuration := func(field string, d Duration) {
		if d < 0 {
			errs.Add(field, "must not be negative", d.Std().String())
		}
	}
	checkDuration("hub.ports.probeTimeout", ps.ProbeTimeout)
	checkDuration("hub.lifecycle.gracePeriod", f.Hub.Lifecycle.GracePeriod)
	checkDuration("hub.lifecycle.setupTimeout", f.Hub.Lifecycle.SetupTimeout)
	checkDuration("hub.lifecycle.startTimeout", f.Hub.Lifecycle.StartTimeout)
	checkDuration("hub.lifecycle.requestTimeout", f.Hub.Lifecycle.RequestTimeout)

	for i, p := range f.Hub.Discovery.Patterns {
		if !doublestar.ValidatePattern(p) {
			errs.Add(fmt.Sprintf("hub.discovery.patterns[%d]", i), "is not a valid glob", p)
		}
	}
	for i, p := range f.Hub.Discovery.Ignore {
		if !doublestar.ValidatePattern(p) {
			errs.Add(fmt.Sprintf("hub.discovery.ignore[%d]", i), "is not a valid glob", p)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
