package schema

import (
	"context"
	"sort"
	"sync"

	"relay/pkg/errors"
)

// Repository persists registered schemas so they survive restarts and are
// shared between instances.
type Repository interface {
	// Create stores s unless (name, version) already exists. An identical
	// existing body is not an error; a different one is ErrDuplicateVersion.
	Create(ctx context.Context, s Schema) error
	Get(ctx context.Context, name string, version int) (Schema, error)
	LoadAll(ctx context.Context) ([]Schema, error)
}

// ChangeNotifier is implemented by repositories that can announce schemas
// registered by other instances.
type ChangeNotifier interface {
	Watch(ctx context.Context, onChange func(name string, version int)) error
}

type MemoryRepository struct {
	mu      sync.RWMutex
	schemas map[string]map[int]Schema
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{schemas: make(map[string]map[int]Schema)}
}

func (r *MemoryRepository) Create(_ context.Context, s Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.schemas[s.Name]
	if !ok {
		versions = make(map[int]Schema)
		r.schemas[s.Name] = versions
	}
	if existing, ok := versions[s.Version]; ok {
		if sameBody(existing.Body, s.Body) {
			return nil
		}
		return errors.ErrDuplicateVersion.WithDetail("name", s.Name).WithDetail("version", s.Version)
	}
	versions[s.Version] = s
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, name string, version int) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name][version]
	if !ok {
		return Schema{}, errors.ErrSchemaNotFound.WithDetail("name", name).WithDetail("version", version)
	}
	return s, nil
}

func (r *MemoryRepository) LoadAll(_ context.Context) ([]Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Schema
	for _, versions := range r.schemas {
		for _, s := range versions {
			out = append(out, s)
		}
	}
	sortSchemas(out)
	return out, nil
}

func sortSchemas(s []Schema) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].Version < s[j].Version
	})
}
