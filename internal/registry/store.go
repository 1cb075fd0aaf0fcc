package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

const (
	stateVersion = 1
	// StateFileName is the name of the process state file inside the state directory.
	StateFileName = "processes.yaml"
)

// Store persists process records between mcphub invocations.
type Store interface {
	// Load returns all persisted records keyed by server name.
	Load() (map[string]api.ServerProcessRecord, error)
	// Update loads the records, lets fn modify them and writes them back.
	Update(fn func(records map[string]api.ServerProcessRecord)) error
}

type stateFile struct {
	Version   int                       `yaml:"version"`
	Processes []api.ServerProcessRecord `yaml:"processes"`
}

// FileStore keeps records in a YAML file.
type FileStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewFileStore creates a store backed by path on fs.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

// DefaultStatePath returns ~/.mcphub/processes.yaml.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mcphub", StateFileName), nil
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load() (map[string]api.ServerProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (map[string]api.ServerProcessRecord, error) {
	records := make(map[string]api.ServerProcessRecord)
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return records, nil
	}

	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		// A corrupt state file must not block managing servers; the OS is
		// the source of truth and the file is rebuilt on the next write.
		logging.Warn("Registry", "Ignoring unreadable state file %s: %v", s.path, err)
		return records, nil
	}
	for _, rec := range state.Processes {
		if rec.Name == "" {
			continue
		}
		records[rec.Name] = rec
	}
	return records, nil
}

// Update implements Store.
func (s *FileStore) Update(fn func(records map[string]api.ServerProcessRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	fn(records)

	state := stateFile{Version: stateVersion}
	for _, rec := range records {
		state.Processes = append(state.Processes, rec)
	}
	sort.Slice(state.Processes, func(i, j int) bool {
		return state.Processes[i].Name < state.Processes[j].Name
	})

	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", s.path, err)
	}
	return nil
}
