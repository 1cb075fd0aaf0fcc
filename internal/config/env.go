package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"mcphub/internal/api"
)

// placeholderRe matches ${NAME} and ${NAME:-default}.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// LookupEnv resolves a variable from the process environment first and the
// .env file next to the configuration second.
func (f *File) LookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := f.dotenv[key]
	return v, ok
}

// ExpandString replaces every placeholder in s. An unset variable without a
// default is reported as a MissingEnvironmentVariableError naming field.
// A default is used when the variable is unset or empty.
func ExpandString(server, field, s string, lookup LookupFunc) (string, error) {
	var missing *api.MissingEnvironmentVariableError
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		if missing != nil {
			return m
		}
		sub := placeholderRe.FindStringSubmatch(m)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		v, ok := lookup(name)
		if ok && (v != "" || !hasDefault) {
			return v
		}
		if hasDefault {
			return def
		}
		missing = &api.MissingEnvironmentVariableError{Server: server, Variable: name, Field: field}
		return m
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// ReferencedVariables lists the variable names used by placeholders in s.
func ReferencedVariables(s string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return names
}

// ResolveSpec returns a copy of spec with placeholders in the command,
// arguments, environment and working directory replaced.
func ResolveSpec(spec api.LaunchSpec, lookup LookupFunc) (api.LaunchSpec, error) {
	out := spec
	var err error

	if out.Command, err = ExpandString(spec.Name, "command", spec.Command, lookup); err != nil {
		return api.LaunchSpec{}, err
	}

	if len(spec.Args) > 0 {
		out.Args = make([]string, len(spec.Args))
		for i, arg := range spec.Args {
			if out.Args[i], err = ExpandString(spec.Name, fmt.Sprintf("args[%d]", i), arg, lookup); err != nil {
				return api.LaunchSpec{}, err
			}
		}
	}

	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.Env = make(map[string]string, len(spec.Env))
		for _, k := range keys {
			if out.Env[k], err = ExpandString(spec.Name, "env."+k, spec.Env[k], lookup); err != nil {
				return api.LaunchSpec{}, err
			}
		}
	}

	if out.WorkingDirectory, err = ExpandString(spec.Name, "cwd", spec.WorkingDirectory, lookup); err != nil {
		return api.LaunchSpec{}, err
	}
	out.WorkingDirectory = expandHome(out.WorkingDirectory)
	return out, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
