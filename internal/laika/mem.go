package laika

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemProvider is an in-memory Provider for tests and local development.
type MemProvider struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemProvider returns an empty provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{objects: make(map[string]Object)}
}

// Put inserts or replaces an object snapshot.
func (p *MemProvider) Put(obj Object) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[obj.ID] = obj
}

// Tombstone marks an object deleted at the given time.
func (p *MemProvider) Tombstone(id string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if obj, ok := p.objects[id]; ok {
		obj.DeletedAt = &at
		p.objects[id] = obj
	}
}

// Remove drops the object entirely, as if the connector never saw it.
func (p *MemProvider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, id)
}

// AccountsForVendor implements Provider.
func (p *MemProvider) AccountsForVendor(ctx context.Context, orgID, vendorID string) ([]Object, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Object
	for _, obj := range p.objects {
		if obj.OrganizationID == orgID && obj.VendorID == vendorID {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find implements Provider.
func (p *MemProvider) Find(ctx context.Context, id string) (Object, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[id]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}
