package cache

import (
	"context"
	"sync"
)

// MapProvider is an in-process cache backed by a sync.Map, grounded on
// the teacher's own sync.Map-based client registry
// (internal/shared/connection.go's "s.clients"). Suitable for a single
// broker node or for tests; peer discovery across real processes
// requires NATSProvider instead, since a MapProvider's state does not
// cross process boundaries.
type MapProvider struct {
	m sync.Map
}

// NewMapProvider returns an empty in-process provider.
func NewMapProvider() *MapProvider {
	return &MapProvider{}
}

func (p *MapProvider) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := p.m.Load(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (p *MapProvider) Set(_ context.Context, key, value string) error {
	p.m.Store(key, value)
	return nil
}

func (p *MapProvider) Clear(_ context.Context, key string) error {
	p.m.Delete(key)
	return nil
}
