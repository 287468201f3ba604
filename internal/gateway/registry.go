package gateway

import (
	"sort"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// Registry owns the adapters built at startup. It is read-only after construction.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		if g == nil {
			continue
		}
		r.gateways[domain.NormalizeProvider(g.Name())] = g
	}
	return r
}

// Get returns the adapter for provider or a NotFound error.
func (r *Registry) Get(provider string) (Gateway, error) {
	g, ok := r.gateways[domain.NormalizeProvider(provider)]
	if !ok {
		return nil, domain.NotFoundf("payment provider %q is not configured", provider)
	}
	return g, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
