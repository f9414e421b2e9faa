// Package catalog resolves workflow definitions by id.
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Catalog returns workflow definitions. Returned definitions must be treated as immutable.
type Catalog interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Lister is implemented by catalogs that can enumerate their definitions.
type Lister interface {
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
}

// MemoryCatalog is a map-backed Catalog.
type MemoryCatalog struct {
	mu   sync.RWMutex
	defs map[string]*schema.WorkflowDefinition
}

func NewMemoryCatalog(defs ...*schema.WorkflowDefinition) *MemoryCatalog {
	c := &MemoryCatalog{defs: make(map[string]*schema.WorkflowDefinition, len(defs))}
	for _, d := range defs {
		c.defs[d.ID] = d
	}
	return c
}

// Put adds or replaces a definition.
func (c *MemoryCatalog) Put(def *schema.WorkflowDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.ID] = def
}

// Remove deletes a definition. Unknown ids are ignored.
func (c *MemoryCatalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.defs, id)
}

func (c *MemoryCatalog) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

// ListWorkflows returns every definition ordered by id.
func (c *MemoryCatalog) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var (
	_ Catalog = (*MemoryCatalog)(nil)
	_ Lister  = (*MemoryCatalog)(nil)
)
