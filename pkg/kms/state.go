package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateStore provides persistent storage for deployment references and
// ownership tracking. This enables safe teardown (only unbind what we
// asserted on resources we created) and idempotency.
type StateStore interface {
	// Save stores a deployment reference.
	Save(ctx context.Context, ref ResourceRef) error

	// Get retrieves a deployment reference by ID.
	Get(ctx context.Context, id string) (*ResourceRef, error)

	// FindByResource retrieves the deployment that recorded the given
	// fully-qualified resource name, if any.
	FindByResource(ctx context.Context, resourceName string) (*ResourceRef, error)

	// List returns all stored deployment references matching the filter.
	List(ctx context.Context, filter ListFilter) ([]ResourceRef, error)

	// Delete removes a deployment reference from the store.
	Delete(ctx context.Context, id string) error

	// Exists checks if a deployment reference exists.
	Exists(ctx context.Context, id string) (bool, error)
}

// StateStoreVersion is the current schema version for state storage.
const StateStoreVersion = 1

// StateData is the serializable state format.
type StateData struct {
	Version     int                    `json:"version"`
	Deployments map[string]ResourceRef `json:"deployments"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// MemoryStateStore is an in-memory StateStore implementation for testing.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state StateData
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		state: StateData{
			Version:     StateStoreVersion,
			Deployments: make(map[string]ResourceRef),
			UpdatedAt:   time.Now(),
		},
	}
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, ref ResourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Deployments[ref.ID] = ref
	s.state.UpdatedAt = time.Now()
	return nil
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(ctx context.Context, id string) (*ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, exists := s.state.Deployments[id]
	if !exists {
		return nil, ErrNotFound("deployment", id)
	}
	return &ref, nil
}

// FindByResource implements StateStore.
func (s *MemoryStateStore) FindByResource(ctx context.Context, resourceName string) (*ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref, ok := findByResource(s.state.Deployments, resourceName); ok {
		return ref, nil
	}
	return nil, ErrNotFound("deployment for resource", resourceName)
}

// List implements StateStore.
func (s *MemoryStateStore) List(ctx context.Context, filter ListFilter) ([]ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterRefs(s.state.Deployments, filter), nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.Deployments[id]; !exists {
		// Idempotent: deleting non-existent is not an error
		return nil
	}

	delete(s.state.Deployments, id)
	s.state.UpdatedAt = time.Now()
	return nil
}

// Exists implements StateStore.
func (s *MemoryStateStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.state.Deployments[id]
	return exists, nil
}

// FileStateStore is a file-based StateStore implementation.
type FileStateStore struct {
	mu       sync.RWMutex
	filePath string
	state    StateData
}

// NewFileStateStore creates a new file-based state store.
// If the file exists, it loads the existing state.
func NewFileStateStore(filePath string) (*FileStateStore, error) {
	s := &FileStateStore{
		filePath: filePath,
		state: StateData{
			Version:     StateStoreVersion,
			Deployments: make(map[string]ResourceRef),
			UpdatedAt:   time.Now(),
		},
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return s, nil
}

// load reads state from file.
func (s *FileStateStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var state StateData
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("invalid state file format: %w", err)
	}

	if state.Version != StateStoreVersion {
		if err := s.migrate(&state); err != nil {
			return fmt.Errorf("state migration failed: %w", err)
		}
	}

	if state.Deployments == nil {
		state.Deployments = make(map[string]ResourceRef)
	}

	s.state = state
	return nil
}

// migrate handles schema version upgrades.
func (s *FileStateStore) migrate(state *StateData) error {
	// Currently only version 1, no migration needed
	state.Version = StateStoreVersion
	return nil
}

// save writes state to file atomically.
func (s *FileStateStore) save() error {
	s.state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write atomically using temp file
	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// Save implements StateStore.
func (s *FileStateStore) Save(ctx context.Context, ref ResourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Deployments[ref.ID] = ref
	return s.save()
}

// Get implements StateStore.
func (s *FileStateStore) Get(ctx context.Context, id string) (*ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, exists := s.state.Deployments[id]
	if !exists {
		return nil, ErrNotFound("deployment", id)
	}
	return &ref, nil
}

// FindByResource implements StateStore.
func (s *FileStateStore) FindByResource(ctx context.Context, resourceName string) (*ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref, ok := findByResource(s.state.Deployments, resourceName); ok {
		return ref, nil
	}
	return nil, ErrNotFound("deployment for resource", resourceName)
}

// List implements StateStore.
func (s *FileStateStore) List(ctx context.Context, filter ListFilter) ([]ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterRefs(s.state.Deployments, filter), nil
}

// Delete implements StateStore.
func (s *FileStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.Deployments[id]; !exists {
		return nil // Idempotent
	}

	delete(s.state.Deployments, id)
	return s.save()
}

// Exists implements StateStore.
func (s *FileStateStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.state.Deployments[id]
	return exists, nil
}

func filterRefs(deployments map[string]ResourceRef, filter ListFilter) []ResourceRef {
	var refs []ResourceRef
	for _, ref := range deployments {
		if filter.Kind != "" && ref.Kind != filter.Kind {
			continue
		}
		if filter.Provider != "" && ref.Provider != filter.Provider {
			continue
		}
		refs = append(refs, ref)
	}

	// Apply pagination
	if filter.Offset > 0 && filter.Offset < len(refs) {
		refs = refs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(refs) {
		refs = refs[:filter.Limit]
	}

	return refs
}

func findByResource(deployments map[string]ResourceRef, resourceName string) (*ResourceRef, bool) {
	for _, ref := range deployments {
		for _, name := range ref.ResourceIDs {
			if name == resourceName {
				r := ref
				return &r, true
			}
		}
	}
	return nil, false
}

// DefaultStateStorePath returns the default path for the state store file.
func DefaultStateStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kmsctl", "state.json")
}
