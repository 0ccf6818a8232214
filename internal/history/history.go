// Package history remembers the most recently observed sensors across runs.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/labcapture/internal/sensor"
)

// fileContents is the layout of the history file.
type fileContents struct {
	MostRecentSensorIDs []string `yaml:"most_recent_sensor_ids"`
	LastUpdated         string   `yaml:"last_updated"`
}

// File stores sensor history in a small YAML file.
type File struct {
	path string
	now  func() time.Time

	mu sync.RWMutex
}

// NewFile returns a history backed by path. The file is created on the
// first write.
func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

// Path returns the history file location.
func (f *File) Path() string {
	return f.path
}

// MostRecentSensorIDs returns the stored ids, or nil when the file is
// missing or unreadable.
func (f *File) MostRecentSensorIDs() []sensor.ID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	contents, err := f.read()
	if err != nil {
		return nil
	}
	out := make([]sensor.ID, 0, len(contents.MostRecentSensorIDs))
	for _, id := range contents.MostRecentSensorIDs {
		out = append(out, sensor.ID(id))
	}
	return out
}

// LastUpdated returns when the history was last written, or the zero time.
func (f *File) LastUpdated() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()

	contents, err := f.read()
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, contents.LastUpdated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetMostRecentSensorIDs replaces the stored ids.
func (f *File) SetMostRecentSensorIDs(ids []sensor.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	contents := fileContents{
		MostRecentSensorIDs: make([]string, 0, len(ids)),
		LastUpdated:         f.now().UTC().Format(time.RFC3339),
	}
	for _, id := range ids {
		contents.MostRecentSensorIDs = append(contents.MostRecentSensorIDs, string(id))
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	data, err := yaml.Marshal(&contents)
	if err != nil {
		return fmt.Errorf("failed to marshal sensor history: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sensor history: %w", err)
	}
	return nil
}

func (f *File) read() (*fileContents, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileContents{}, nil
		}
		return nil, fmt.Errorf("failed to read sensor history: %w", err)
	}
	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse sensor history: %w", err)
	}
	return &contents, nil
}
