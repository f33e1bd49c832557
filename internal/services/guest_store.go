package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ytakahashi/taskboard/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultGuestNamespace is the file name (without extension) of the guest
// collection. It is fixed per installation, not per user.
const DefaultGuestNamespace = "guestTasks"

// DefaultGuestQuota mirrors the usual browser storage limit.
const DefaultGuestQuota = 5 * 1024 * 1024

type guestFile struct {
	Version int           `yaml:"version"`
	Tasks   []models.Task `yaml:"tasks"`
}

// GuestStore persists the guest task collection as a single YAML file.
type GuestStore struct {
	path     string
	maxBytes int
	mu       sync.Mutex
}

// NewGuestStore stores the collection at dir/namespace.yaml. A maxBytes of
// zero or less disables the quota.
func NewGuestStore(dir, namespace string, maxBytes int) *GuestStore {
	if namespace == "" {
		namespace = DefaultGuestNamespace
	}
	return &GuestStore{
		path:     filepath.Join(dir, namespace+".yaml"),
		maxBytes: maxBytes,
	}
}

// Path returns the file backing the store.
func (gs *GuestStore) Path() string {
	return gs.path
}

// Load returns the stored collection, or an empty one if nothing was saved.
func (gs *GuestStore) Load() ([]models.Task, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	data, err := os.ReadFile(gs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Task{}, nil
		}
		return nil, fmt.Errorf("%w: failed to read guest tasks: %v", models.ErrStorage, err)
	}

	var f guestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: failed to parse guest tasks: %v", models.ErrStorage, err)
	}
	if f.Tasks == nil {
		f.Tasks = []models.Task{}
	}
	return f.Tasks, nil
}

// Save replaces the stored collection. Saving an empty collection removes
// the file.
func (gs *GuestStore) Save(tasks []models.Task) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if len(tasks) == 0 {
		if err := os.Remove(gs.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: failed to clear guest tasks: %v", models.ErrStorage, err)
		}
		return nil
	}

	data, err := yaml.Marshal(guestFile{Version: 1, Tasks: tasks})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal guest tasks: %v", models.ErrStorage, err)
	}
	if gs.maxBytes > 0 && len(data) > gs.maxBytes {
		return fmt.Errorf("%w: quota exceeded (%d > %d bytes)", models.ErrStorage, len(data), gs.maxBytes)
	}

	if err := os.MkdirAll(filepath.Dir(gs.path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create guest store directory: %v", models.ErrStorage, err)
	}

	tmpPath := gs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write guest tasks: %v", models.ErrStorage, err)
	}
	if err := os.Rename(tmpPath, gs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to rename guest tasks: %v", models.ErrStorage, err)
	}
	return nil
}
