// Package level loads, stores and downloads level files. A level lists the
// static and dynamic entities a server installs when it loads the level.
package level

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/volley-project/volley/internal/gamestate"
)

// Extension is the file extension of level files.
const Extension = ".yaml"

var (
	// ErrNotFound is returned when a level file does not exist.
	ErrNotFound = errors.New("level not found")
	// ErrInvalidName is returned for names that are empty or leave the store.
	ErrInvalidName = errors.New("invalid level name")
	// ErrInvalidLevel is returned when a level file fails validation.
	ErrInvalidLevel = errors.New("invalid level")
)

// EntitySpec describes one entity in a level file.
type EntitySpec struct {
	Kind     string         `yaml:"kind"`
	Position gamestate.Vec2 `yaml:"position"`
	Size     gamestate.Vec2 `yaml:"size,omitempty"`
	Velocity gamestate.Vec2 `yaml:"velocity,omitempty"`
}

// Level is the parsed content of a level file.
type Level struct {
	Name    string       `yaml:"name"`
	Static  []EntitySpec `yaml:"static"`
	Dynamic []EntitySpec `yaml:"dynamic"`
}

// Parse decodes and validates a level file.
func Parse(data []byte) (*Level, error) {
	var l Level
	if err := yaml.UnmarshalStrict(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks that every entity names its kind and the static list fits
// below the dynamic id range.
func (l *Level) Validate() error {
	if len(l.Static) >= gamestate.FirstDynamicID {
		return fmt.Errorf("%w: %d static entities, max %d", ErrInvalidLevel, len(l.Static), gamestate.FirstDynamicID-1)
	}
	for i, e := range l.Static {
		if e.Kind == "" {
			return fmt.Errorf("%w: static entity %d has no kind", ErrInvalidLevel, i)
		}
	}
	for i, e := range l.Dynamic {
		if e.Kind == "" {
			return fmt.Errorf("%w: dynamic entity %d has no kind", ErrInvalidLevel, i)
		}
	}
	return nil
}

// Marshal encodes the level as YAML.
func (l *Level) Marshal() ([]byte, error) {
	return yaml.Marshal(l)
}

// Store is a directory of level files addressed by name.
type Store struct {
	dir string
}

// NewStore serves levels from dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path for name.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name+Extension), nil
}

// Has reports whether a level file exists for name.
func (s *Store) Has(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Raw returns the unparsed file content of name.
func (s *Store) Raw(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read level %s: %w", name, err)
	}
	return data, nil
}

// Load reads and parses name.
func (s *Store) Load(name string) (*Level, error) {
	data, err := s.Raw(name)
	if err != nil {
		return nil, err
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("level %s: %w", name, err)
	}
	if l.Name == "" {
		l.Name = name
	}
	return l, nil
}

// Save validates data and writes it as name.
func (s *Store) Save(name string, data []byte) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if _, err := Parse(data); err != nil {
		return fmt.Errorf("level %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create level dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write level %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write level %s: %w", name, err)
	}
	return nil
}

// Names lists the stored levels.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list levels: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}
