package lifecycle

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"mcphub/internal/api"
)

// templateData is what {{ ... }} expressions in args, env and cwd see.
type templateData struct {
	Name  string
	Port  int
	Ports []int
}

func renderString(field, s string, data templateData) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New(field).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid template in %s: %w", field, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", field, err)
	}
	return buf.String(), nil
}

// renderSpec fills port templates and sets PORT when the server has a port
// and does not set PORT itself.
func renderSpec(spec api.LaunchSpec, ports []int) (api.LaunchSpec, error) {
	data := templateData{Name: spec.Name, Ports: ports}
	if len(ports) > 0 {
		data.Port = ports[0]
	}

	out := spec
	out.Ports = ports
	var err error

	if len(spec.Args) > 0 {
		out.Args = make([]string, len(spec.Args))
		for i, a := range spec.Args {
			if out.Args[i], err = renderString(fmt.Sprintf("args[%d]", i), a, data); err != nil {
				return api.LaunchSpec{}, err
			}
		}
	}

	out.Env = make(map[string]string, len(spec.Env)+1)
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if out.Env[k], err = renderString("env."+k, spec.Env[k], data); err != nil {
			return api.LaunchSpec{}, err
		}
	}
	if _, ok := out.Env["PORT"]; !ok && data.Port != 0 {
		out.Env["PORT"] = strconv.Itoa(data.Port)
	}

	if out.WorkingDirectory, err = renderString("cwd", spec.WorkingDirectory, data); err != nil {
		return api.LaunchSpec{}, err
	}
	return out, nil
}
