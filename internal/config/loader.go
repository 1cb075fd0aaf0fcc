package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"sigs.k8s.io/yaml"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

const (
	// FileName is the configuration file looked up from the working directory upwards.
	FileName = ".mcphub.json"
	// UserDir holds the fallback configuration and the process state.
	UserDir = ".mcphub"
)

// candidateNames are tried in each directory, in order.
var candidateNames = []string{FileName, ".mcphub.yaml", ".mcphub.yml"}

// ErrNoConfig is returned by Find when no configuration file exists.
var ErrNoConfig = errors.New("no .mcphub.json found")

// Provider supplies launch specifications by server name.
type Provider interface {
	Get(name string) (api.LaunchSpec, error)
	List() []api.LaunchSpec
}

// GetUserDir returns ~/.mcphub.
func GetUserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, UserDir), nil
}

// Find walks from start up to the filesystem root looking for a
// configuration file and falls back to ~/.mcphub/.mcphub.json.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		for _, name := range candidateNames {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	userDir, err := GetUserDir()
	if err == nil {
		for _, name := range candidateNames {
			p := filepath.Join(userDir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", ErrNoConfig
}

// Load reads, parses and validates a configuration file. A .env file in the
// same directory is read for placeholder resolution but not applied to the
// process environment.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, ConfigurationError{FilePath: path, FileName: filepath.Base(path), ErrorType: "parse", Message: err.Error()}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	f.Path = abs

	envPath := filepath.Join(filepath.Dir(abs), ".env")
	if _, err := os.Stat(envPath); err == nil {
		vars, err := godotenv.Read(envPath)
		if err != nil {
			return nil, ConfigurationError{FilePath: envPath, FileName: ".env", ErrorType: "parse", Message: err.Error()}
		}
		f.dotenv = vars
		logging.Debug("Config", "Loaded %d variable(s) from %s", len(vars), envPath)
	}

	if err := f.Validate(); err != nil {
		return nil, ConfigurationError{FilePath: abs, FileName: filepath.Base(abs), ErrorType: "validation", Message: err.Error()}
	}

	logging.Debug("Config", "Loaded %d server(s) from %s", len(f.Servers), abs)
	return f, nil
}

// Parse decodes configuration data. ext selects YAML for ".yaml"/".yml";
// anything else is JSON, with comments and trailing commas allowed.
func Parse(data []byte, ext string) (*File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
			return nil, err
		}
	}
	if f.Servers == nil {
		f.Servers = make(map[string]ServerConfig)
	}
	return &f, nil
}

// Names returns the configured server names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get implements Provider.
func (f *File) Get(name string) (api.LaunchSpec, error) {
	sc, ok := f.Servers[name]
	if !ok {
		return api.LaunchSpec{}, api.NewNotFoundError("server", name)
	}
	return f.launchSpec(name, sc), nil
}

// List implements Provider.
func (f *File) List() []api.LaunchSpec {
	specs := make([]api.LaunchSpec, 0, len(f.Servers))
	for _, name := range f.Names() {
		specs = append(specs, f.launchSpec(name, f.Servers[name]))
	}
	return specs
}

func (f *File) launchSpec(name string, sc ServerConfig) api.LaunchSpec {
	spec := api.LaunchSpec{
		Name:        name,
		Command:     sc.Command,
		Args:        append([]string(nil), sc.Args...),
		Env:         copyMap(sc.Env),
		SetupScript: sc.SetupScript,
		Ports:       append([]int(nil), sc.Ports...),
		Description: sc.Description,
		Tags:        append([]string(nil), sc.Tags...),
		PackageName: sc.PackageName,
		RepoURL:     sc.RepoURL,
		Disabled:    sc.Disabled,
	}
	if spec.Command == "" && sc.PackageName != "" {
		spec.Command = "npx"
		spec.Args = append([]string{"-y", sc.PackageName}, spec.Args...)
	}

	dir := sc.Cwd
	if dir == "" {
		dir = sc.ServerPath
	}
	if dir != "" && !filepath.IsAbs(dir) && !strings.HasPrefix(dir, "~") && !strings.HasPrefix(dir, "$") && f.Path != "" {
		dir = filepath.Join(filepath.Dir(f.Path), dir)
	}
	spec.WorkingDirectory = dir

	// A literal "--port N" argument declares the port when none is listed.
	if len(spec.Ports) == 0 {
		if p, ok := portFromArgs(spec.Args); ok {
			spec.Ports = []int{p}
		}
	}
	return spec
}

func portFromArgs(args []string) (int, bool) {
	for i, a := range args {
		var v string
		switch {
		case a == "--port" && i+1 < len(args):
			v = args[i+1]
		case strings.HasPrefix(a, "--port="):
			v = strings.TrimPrefix(a, "--port=")
		default:
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return p, true
	}
	return 0, false
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Save writes the configuration back to Path as indented JSON. Comments
// in the original file are not preserved.
func (f *File) Save() error {
	if f.Path == "" {
		return fmt.Errorf("configuration has no path")
	}
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(f)
	default:
		data, err = json.MarshalIndent(f, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}
	logging.Info("Config", "Saved configuration to %s", f.Path)
	return nil
}
