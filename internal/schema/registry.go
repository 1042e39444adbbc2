package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/metrics"
)

type entry struct {
	schema   Schema
	compiled *jsonschema.Schema
}

type versionSet struct {
	byVersion map[int]*entry
	latest    int
}

// snapshot is immutable once published.
type snapshot struct {
	byName map[string]*versionSet
}

func (s *snapshot) lookup(name string, version int) (*entry, bool) {
	vs, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	if version == 0 {
		version = vs.latest
	}
	e, ok := vs.byVersion[version]
	return e, ok
}

// Registry holds every registered schema version. Reads go through an atomic
// snapshot and never block; registrations are serialised by mu.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	repo   Repository
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithRepository(repo Repository) Option {
	return func(r *Registry) { r.repo = repo }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		repo:   NewMemoryRepository(),
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{byName: map[string]*versionSet{}})
	return r
}

// Register adds a schema version. Re-registering an identical body succeeds
// with Created=false; a different body for an existing version fails with
// ErrDuplicateVersion.
func (r *Registry) Register(ctx context.Context, name string, version int, body []byte) (RegistrationResult, error) {
	name = strings.TrimSpace(name)
	result := RegistrationResult{Name: name, Version: version}
	if name == "" {
		metrics.IncSchemaRegistration("invalid")
		return result, errors.ErrValidation.WithDetail("name", "schema name is required")
	}
	if version < 1 {
		metrics.IncSchemaRegistration("invalid")
		return result, errors.ErrValidation.WithDetail("version", "schema version must be >= 1")
	}
	if !json.Valid(body) {
		metrics.IncSchemaRegistration("invalid")
		return result, errors.ErrValidation.WithDetail("body", "schema body must be valid JSON")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.snap.Load().lookup(name, version); ok {
		if sameBody(existing.schema.Body, body) {
			metrics.IncSchemaRegistration("unchanged")
			return result, nil
		}
		metrics.IncSchemaRegistration("duplicate_version")
		return result, errors.ErrDuplicateVersion.WithDetail("name", name).WithDetail("version", version)
	}

	compiled, err := compile(name, version, body)
	if err != nil {
		metrics.IncSchemaRegistration("invalid")
		return result, errors.ErrValidation.WithCause(err).WithDetail("body", err.Error())
	}

	s := Schema{
		Name:         name,
		Version:      version,
		Body:         append(json.RawMessage(nil), body...),
		RegisteredAt: r.now().UTC(),
	}
	if err := r.repo.Create(ctx, s); err != nil {
		if errors.IsDuplicateVersion(err) {
			metrics.IncSchemaRegistration("duplicate_version")
		} else {
			metrics.IncSchemaRegistration("error")
		}
		return result, err
	}

	r.install(s, compiled)
	metrics.IncSchemaRegistration("created")
	r.logger.Infow("Schema registered", "schema", name, "version", version)

	result.Created = true
	return result, nil
}

// install publishes a new snapshot containing s. Callers hold mu.
func (r *Registry) install(s Schema, compiled *jsonschema.Schema) {
	cur := r.snap.Load()
	next := &snapshot{byName: make(map[string]*versionSet, len(cur.byName)+1)}
	for k, v := range cur.byName {
		next.byName[k] = v
	}

	vs := &versionSet{byVersion: map[int]*entry{}}
	if old, ok := cur.byName[s.Name]; ok {
		for k, v := range old.byVersion {
			vs.byVersion[k] = v
		}
		vs.latest = old.latest
	}
	vs.byVersion[s.Version] = &entry{schema: s, compiled: compiled}
	if s.Version > vs.latest {
		vs.latest = s.Version
	}
	next.byName[s.Name] = vs

	r.snap.Store(next)
}

// Validate checks payload against the named schema. version 0 selects the
// latest registered version.
func (r *Registry) Validate(name string, version int, payload interface{}) (ValidationResult, error) {
	e, ok := r.snap.Load().lookup(name, version)
	if !ok {
		metrics.IncSchemaValidation(name, "not_found")
		return ValidationResult{Name: name, Version: version}, notFound(name, version)
	}
	result := ValidationResult{Name: name, Version: e.schema.Version}

	doc, err := normalize(payload)
	if err != nil {
		metrics.IncSchemaValidation(name, "mismatch")
		return result, errors.ErrSchemaMismatch.WithCause(err).
			WithDetail("schema", name).
			WithDetail("version", e.schema.Version).
			WithDetail("violations", []Violation{{Message: err.Error()}})
	}

	if err := e.compiled.Validate(doc); err != nil {
		metrics.IncSchemaValidation(name, "mismatch")
		return result, errors.ErrSchemaMismatch.
			WithDetail("schema", name).
			WithDetail("version", e.schema.Version).
			WithDetail("violations", violations(err))
	}

	metrics.IncSchemaValidation(name, "ok")
	return result, nil
}

// ValidateSelector is Validate with a "latest" or numeric version string.
func (r *Registry) ValidateSelector(name, selector string, payload interface{}) (ValidationResult, error) {
	version, err := ParseVersion(selector)
	if err != nil {
		return ValidationResult{Name: name}, err
	}
	return r.Validate(name, version, payload)
}

func (r *Registry) Get(name string, version int) (Schema, error) {
	e, ok := r.snap.Load().lookup(name, version)
	if !ok {
		return Schema{}, notFound(name, version)
	}
	return e.schema, nil
}

// Versions lists the registered versions of name in ascending order.
func (r *Registry) Versions(name string) ([]int, error) {
	vs, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, notFound(name, 0)
	}
	out := make([]int, 0, len(vs.byVersion))
	for v := range vs.byVersion {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// List returns every schema name with its latest version.
func (r *Registry) List() []Schema {
	snap := r.snap.Load()
	out := make([]Schema, 0, len(snap.byName))
	for _, vs := range snap.byName {
		out = append(out, vs.byVersion[vs.latest].schema)
	}
	sortSchemas(out)
	return out
}

// Load installs everything already persisted in the repository, then
// registers the statically configured definitions on top.
func (r *Registry) Load(ctx context.Context, defs []config.SchemaConfig) error {
	persisted, err := r.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted schemas: %w", err)
	}

	r.mu.Lock()
	for _, s := range persisted {
		if err := r.installPersisted(s); err != nil {
			r.logger.Warnw("Skipping persisted schema that does not compile",
				"schema", s.Name, "version", s.Version, "error", err)
		}
	}
	r.mu.Unlock()

	for _, def := range defs {
		if _, err := r.Register(ctx, def.Name, def.Version, []byte(def.Body)); err != nil {
			return fmt.Errorf("schema %s v%d: %w", def.Name, def.Version, err)
		}
	}

	r.logger.Infow("Schema registry loaded", "persisted", len(persisted), "configured", len(defs))
	return nil
}

// installPersisted adds a schema that is already stored. Callers hold mu.
func (r *Registry) installPersisted(s Schema) error {
	if _, ok := r.snap.Load().lookup(s.Name, s.Version); ok {
		return nil
	}
	compiled, err := compile(s.Name, s.Version, s.Body)
	if err != nil {
		return err
	}
	r.install(s, compiled)
	return nil
}

// Watch follows registrations made by other instances when the repository
// supports change notification. It returns immediately otherwise.
func (r *Registry) Watch(ctx context.Context) error {
	notifier, ok := r.repo.(ChangeNotifier)
	if !ok {
		return nil
	}

	return notifier.Watch(ctx, func(name string, version int) {
		if _, ok := r.snap.Load().lookup(name, version); ok {
			return
		}
		s, err := r.repo.Get(ctx, name, version)
		if err != nil {
			r.logger.Warnw("Failed to fetch announced schema", "schema", name, "version", version, "error", err)
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.installPersisted(s); err != nil {
			r.logger.Warnw("Announced schema does not compile", "schema", name, "version", version, "error", err)
			return
		}
		r.logger.Infow("Schema installed from peer", "schema", name, "version", version)
	})
}

func notFound(name string, version int) error {
	err := errors.ErrSchemaNotFound.WithDetail("schema", name)
	if version > 0 {
		err = err.WithDetail("version", version)
	}
	return err
}
