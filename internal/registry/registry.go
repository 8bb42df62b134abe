// Package registry provides the static asset registry: symbol to asset-class
// mapping and tradability, loaded from configuration.
package registry

import "strings"

// Asset describes one configured symbol.
type Asset struct {
	Symbol     string
	AssetClass string
	Tradable   bool
}

// Registry implements domain.AssetRegistry over a config-loaded symbol table.
// Lookups are case-insensitive on symbol.
type Registry struct {
	assets map[string]Asset
}

// New builds a Registry from the given assets.
func New(assets []Asset) *Registry {
	m := make(map[string]Asset, len(assets))
	for _, a := range assets {
		m[strings.ToUpper(a.Symbol)] = a
	}
	return &Registry{assets: m}
}

// AssetClass returns the asset class for a symbol and whether it is known.
func (r *Registry) AssetClass(symbol string) (string, bool) {
	a, ok := r.assets[strings.ToUpper(symbol)]
	if !ok {
		return "", false
	}
	return a.AssetClass, true
}

// IsTradable reports whether the symbol is known and flagged tradable.
func (r *Registry) IsTradable(symbol string) bool {
	a, ok := r.assets[strings.ToUpper(symbol)]
	return ok && a.Tradable
}

// Symbols returns every registered symbol.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a.Symbol)
	}
	return out
}
