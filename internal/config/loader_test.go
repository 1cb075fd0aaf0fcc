package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse_JSONWithComments(t *testing.T) {
	data := []byte(`{
		// editor style configuration
		"mcpServers": {
			"github": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-github"],
				"env": {"GITHUB_TOKEN": "${GITHUB_TOKEN}"},
			},
		},
		"hub": {"lifecycle": {"gracePeriod": "2s", "requestTimeout": 10}}
	}`)

	f, err := Parse(data, ".json")
	require.NoError(t, err)
	require.Contains(t, f.Servers, "github")
	assert.Equal(t, "npx", f.Servers["github"].Command)
	assert.Equal(t, 2*time.Second, f.Hub.Lifecycle.GracePeriod.Std())
	assert.Equal(t, 10*time.Second, f.Hub.Lifecycle.RequestTimeout.Std())
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
mcpServers:
  docs:
    command: node
    args: [dist/index.js]
    setup_script: npm install
    ports: [0, 8081]
`)
	f, err := Parse(data, ".yaml")
	require.NoError(t, err)
	sc := f.Servers["docs"]
	assert.Equal(t, "node", sc.Command)
	assert.Equal(t, "npm install", sc.SetupScript)
	assert.Equal(t, []int{0, 8081}, sc.Ports)
}

func TestParse_EmptyServers(t *testing.T) {
	f, err := Parse([]byte(`{}`), ".json")
	require.NoError(t, err)
	assert.NotNil(t, f.Servers)
	assert.Empty(t, f.Names())
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`{"hub": {"lifecycle": {"gracePeriod": "soon"}}}`), ".json")
	assert.Error(t, err)
}

func TestFind_WalksUpwards(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	cfg := filepath.Join(root, FileName)
	writeFile(t, cfg, `{"mcpServers": {}}`)
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, cfg, found)
}

func TestFind_FallsBackToUserDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userCfg := filepath.Join(home, UserDir, FileName)
	writeFile(t, userCfg, `{"mcpServers": {}}`)

	found, err := Find(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, userCfg, found)
}

func TestFind_NoConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := Find(t.TempDir())
	assert.True(t, errors.Is(err, ErrNoConfig))
}

func TestLoad_ReadsDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `{"mcpServers": {"s": {"command": "echo", "env": {"TOKEN": "${MCPHUB_TEST_TOKEN}"}}}}`)
	writeFile(t, filepath.Join(dir, ".env"), "MCPHUB_TEST_TOKEN=from-dotenv\n")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path)

	v, ok := f.LookupEnv("MCPHUB_TEST_TOKEN")
	require.True(t, ok)
	assert.Equal(t, "from-dotenv", v)

	// The process environment wins over .env.
	t.Setenv("MCPHUB_TEST_TOKEN", "from-env")
	v, _ = f.LookupEnv("MCPHUB_TEST_TOKEN")
	assert.Equal(t, "from-env", v)
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `{"mcpServers": `)

	_, err := Load(path)
	require.Error(t, err)
	var ce ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "parse", ce.ErrorType)
	assert.Contains(t, ce.DetailedError(), "Suggestions:")
}

func TestLoad_ValidationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `{"mcpServers": {"broken": {"args": ["x"]}}}`)

	_, err := Load(path)
	var ce ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "validation", ce.ErrorType)
	assert.Contains(t, ce.Message, "mcpServers.broken.command")
}

func TestGet_LaunchSpec(t *testing.T) {
	f := &File{
		Path: "/work/proj/.mcphub.json",
		Servers: map[string]ServerConfig{
			"pkg":   {PackageName: "@scope/server", Args: []string{"--verbose"}},
			"local": {Command: "node", Args: []string{"index.js", "--port", "8123"}, ServerPath: "servers/local"},
			"abs":   {Command: "python", Cwd: "/opt/srv", ServerPath: "ignored"},
		},
	}

	spec, err := f.Get("pkg")
	require.NoError(t, err)
	assert.Equal(t, "npx", spec.Command)
	assert.Equal(t, []string{"-y", "@scope/server", "--verbose"}, spec.Args)

	spec, err = f.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "/work/proj/servers/local", spec.WorkingDirectory)
	assert.Equal(t, []int{8123}, spec.Ports)

	spec, err = f.Get("abs")
	require.NoError(t, err)
	assert.Equal(t, "/opt/srv", spec.WorkingDirectory)

	_, err = f.Get("missing")
	assert.True(t, api.IsNotFound(err))
}

func TestList_SortedByName(t *testing.T) {
	f := &File{Servers: map[string]ServerConfig{
		"b": {Command: "x"},
		"a": {Command: "y"},
	}}
	specs := f.List()
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Name)
	assert.Equal(t, "b", specs[1].Name)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	f := &File{Path: path, Servers: map[string]ServerConfig{
		"echo": {Command: "echo", Args: []string{"hi"}, Description: "says hi"},
	}}
	require.NoError(t, f.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f.Servers, loaded.Servers)
}
