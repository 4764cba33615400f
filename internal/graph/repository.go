package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/stagehand/pkg/schema"
)

// Source supplies graph definitions by id.
type Source interface {
	Definition(ctx context.Context, id string) (*schema.GraphDefinition, error)
}

// DirSource reads definitions from <Dir>/<id>.json, .yaml or .yml.
type DirSource struct {
	Dir string
}

func (s DirSource) Definition(ctx context.Context, id string) (*schema.GraphDefinition, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(s.Dir, id+ext)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		def, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		def.ID = id
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not found in %s", id, s.Dir)
}

// Repository hands out validated graphs by id. Graphs built from the source
// are kept in an LRU cache; graphs added with Put are pinned.
type Repository struct {
	source     Source
	registry   *Registry
	autoRepeat []string

	mu     sync.Mutex
	pinned map[string]*Graph
	cache  *lru.Cache[string, *Graph]
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithAutomaticRepeaters runs InsertAutomaticRepeaters on every graph built
// from the source, treating the given element types as initially available.
func WithAutomaticRepeaters(available ...string) RepositoryOption {
	return func(r *Repository) {
		r.autoRepeat = append([]string{}, available...)
	}
}

// NewRepository creates a repository. source may be nil when every graph is
// added with Put.
func NewRepository(source Source, reg *Registry, cacheSize int, opts ...RepositoryOption) (*Repository, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[string, *Graph](cacheSize)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	r := &Repository{
		source:   source,
		registry: reg,
		pinned:   make(map[string]*Graph),
		cache:    cache,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Registry returns the step registry graphs are built with.
func (r *Repository) Registry() *Registry { return r.registry }

// Put validates and pins a graph under its id.
func (r *Repository) Put(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[g.ID] = g
	r.cache.Remove(g.ID)
	return nil
}

// PutDefinition builds a graph from def and pins it.
func (r *Repository) PutDefinition(def *schema.GraphDefinition) (*Graph, error) {
	g, err := r.build(def)
	if err != nil {
		return nil, err
	}
	if err := r.Put(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns the graph with the given id, building it from the source on a
// cache miss.
func (r *Repository) Get(ctx context.Context, id string) (*Graph, error) {
	r.mu.Lock()
	if g, ok := r.pinned[id]; ok {
		r.mu.Unlock()
		return g, nil
	}
	if g, ok := r.cache.Get(id); ok {
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	if r.source == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not found", id)
	}
	def, err := r.source.Definition(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := r.build(def)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache.Add(id, g)
	r.mu.Unlock()
	return g, nil
}

// Purge drops every cached graph so the next Get rebuilds it from the
// source. Pinned graphs are kept.
func (r *Repository) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

func (r *Repository) build(def *schema.GraphDefinition) (*Graph, error) {
	g, err := Build(def, r.registry)
	if err != nil {
		return nil, err
	}
	if r.autoRepeat != nil {
		if _, err := g.InsertAutomaticRepeaters(r.autoRepeat...); err != nil {
			return nil, err
		}
	}
	return g, nil
}
