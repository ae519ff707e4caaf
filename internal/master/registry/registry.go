// Package registry is the read-mostly node type catalog consulted during
// placement. Types referenced by a live node are immutable; changes require
// publishing a new type id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"blockfleet/pkg/model"
	"blockfleet/pkg/store"
)

// ErrTypeInUse is returned when a mutation targets a node type that at least
// one live node references.
var ErrTypeInUse = errors.New("node type referenced by live nodes")

type Registry struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]*model.NodeType
}

func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		cache: make(map[string]*model.NodeType),
	}
}

// Get returns the node type, from cache after the first successful lookup.
func (r *Registry) Get(ctx context.Context, id string) (*model.NodeType, error) {
	r.mu.RLock()
	nt, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return nt, nil
	}

	nt, err := r.store.GetNodeType(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := nt.ResolveRequirements(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = nt
	r.mu.Unlock()
	return nt, nil
}

// Put creates or replaces a node type. Replacing is refused while any live
// node references the id; version by creating a new type instead.
func (r *Registry) Put(ctx context.Context, nt *model.NodeType) error {
	if _, err := nt.ResolveRequirements(); err != nil {
		return err
	}

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if n.TypeID == nt.ID {
			return fmt.Errorf("node type %s: %w", nt.ID, ErrTypeInUse)
		}
	}

	if err := r.store.PutNodeType(ctx, nt); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, nt.ID)
	r.mu.Unlock()
	return nil
}
