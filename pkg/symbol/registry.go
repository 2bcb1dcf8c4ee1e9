package symbol

import (
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Registry owns the canonical set of tradable pairs. Thread-safe,
// grounded on pkg/app/core/market/registry.go's RWMutex-guarded map.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]*Symbol
	mapping map[string]map[Source]string // symbol -> source -> upstream id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		symbols: make(map[string]*Symbol),
		mapping: make(map[string]map[Source]string),
	}
}

// Filter narrows List() results.
type Filter struct {
	EnabledOnly bool
	Quote       string
}

// catalogueFile is the YAML shape loaded by LoadCatalogue.
type catalogueFile struct {
	Symbols []catalogueEntry `yaml:"symbols"`
}

type catalogueEntry struct {
	Symbol      string            `yaml:"symbol"`
	Base        string            `yaml:"base"`
	Quote       string            `yaml:"quote"`
	TickSize    string            `yaml:"tickSize"`
	StepSize    string            `yaml:"stepSize"`
	MinNotional string            `yaml:"minNotional"`
	MaxLeverage int64             `yaml:"maxLeverage"`
	MinOrderQty string            `yaml:"minOrderQty"`
	MaxOrderQty string            `yaml:"maxOrderQty"`
	MaxPosition string            `yaml:"maxPosition"`
	MakerFeeBps int64             `yaml:"makerFeeBps"`
	TakerFeeBps int64             `yaml:"takerFeeBps"`
	Rank        int               `yaml:"rank"`
	Sources     map[string]string `yaml:"sources"`
}

// LoadCatalogue parses a YAML catalogue file and refreshes the registry
// from it, preserving any existing Enabled flag per symbol (§4.1 Refresh).
func (r *Registry) LoadCatalogue(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Catalogue unreadable: the registry keeps its previous set, which
		// List/Get go on serving; the read error goes back to this caller.
		return fmt.Errorf("read catalogue %s: %w", path, err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse catalogue %s: %w", path, err)
	}

	return r.refreshFrom(file)
}

func (r *Registry) refreshFrom(file catalogueFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range file.Symbols {
		sym, err := buildSymbol(e)
		if err != nil {
			return fmt.Errorf("catalogue entry %s: %w", e.Symbol, err)
		}

		if prev, ok := r.symbols[e.Symbol]; ok {
			sym.Enabled = prev.Enabled
			sym.Rank = prev.Rank
		} else {
			sym.Enabled = true
			sym.Rank = e.Rank
		}

		r.symbols[e.Symbol] = sym

		srcMap := make(map[Source]string, len(e.Sources))
		for src, id := range e.Sources {
			srcMap[Source(src)] = id
			sym.EnabledSources = append(sym.EnabledSources, Source(src))
		}
		r.mapping[e.Symbol] = srcMap
	}

	return nil
}

func buildSymbol(e catalogueEntry) (*Symbol, error) {
	dec := func(s string) decimal.Decimal {
		d, _ := decimal.NewFromString(s)
		return d
	}
	sym := &Symbol{
		Symbol:      e.Symbol,
		Base:        e.Base,
		Quote:       e.Quote,
		TickSize:    dec(e.TickSize),
		StepSize:    dec(e.StepSize),
		MinNotional: dec(e.MinNotional),
		MaxLeverage: e.MaxLeverage,
		MinOrderQty: dec(e.MinOrderQty),
		MaxOrderQty: dec(e.MaxOrderQty),
		MaxPosition: dec(e.MaxPosition),
		MakerFeeBps: e.MakerFeeBps,
		TakerFeeBps: e.TakerFeeBps,
	}
	if err := sym.Validate(); err != nil {
		return nil, err
	}
	return sym, nil
}

// Get returns a symbol by name.
func (r *Registry) Get(sym string) (*Symbol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.symbols[sym]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", sym)
	}
	return s, nil
}

// List returns symbols matching the filter.
func (r *Registry) List(f Filter) []*Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Symbol, 0, len(r.symbols))
	for _, s := range r.symbols {
		if f.EnabledOnly && !s.Enabled {
			continue
		}
		if f.Quote != "" && s.Quote != f.Quote {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Toggle enables or disables a symbol for trading.
func (r *Registry) Toggle(sym string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.symbols[sym]
	if !ok {
		return fmt.Errorf("symbol %s not found", sym)
	}
	s.Enabled = enabled
	return nil
}

// Map returns the upstream identifier for a symbol on a given source.
func (r *Registry) Map(sym string, source Source) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srcMap, ok := r.mapping[sym]
	if !ok {
		return "", false
	}
	id, ok := srcMap[source]
	return id, ok
}

// Register adds or replaces a symbol directly (used by tests and by admin
// tooling that doesn't go through the YAML catalogue).
func (r *Registry) Register(s *Symbol) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[s.Symbol] = s
	return nil
}
