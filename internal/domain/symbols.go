package domain

import (
	"fmt"
	"math"
	"strings"
)

// SymbolInfo holds the exchange-declared precision for a perpetual contract.
type SymbolInfo struct {
	Symbol   string
	TickSize float64
	StepSize float64
}

// SymbolRegistry is the fixed allow-list of tradable perpetual contracts.
// Requests for symbols outside the list fail validation before reaching any
// component.
type SymbolRegistry struct {
	symbols map[string]SymbolInfo
}

// NewSymbolRegistry builds a registry from the given contract definitions.
func NewSymbolRegistry(infos []SymbolInfo) *SymbolRegistry {
	m := make(map[string]SymbolInfo, len(infos))
	for _, info := range infos {
		m[strings.ToUpper(info.Symbol)] = info
	}
	return &SymbolRegistry{symbols: m}
}

// DefaultSymbolRegistry covers the two contracts enabled by default.
func DefaultSymbolRegistry() *SymbolRegistry {
	return NewSymbolRegistry([]SymbolInfo{
		{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
		{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.001},
	})
}

// Validate normalizes the symbol to upper case and checks it against the
// allow-list. The returned error wraps ErrValidation.
func (r *SymbolRegistry) Validate(symbol string) (SymbolInfo, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	info, ok := r.symbols[normalized]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("%w: symbol %q not in allow-list", ErrValidation, symbol)
	}
	return info, nil
}

// Symbols returns the allow-listed symbols.
func (r *SymbolRegistry) Symbols() []string {
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	return out
}

// SnapToTick rounds a price to the nearest multiple of the symbol's tick size.
func (i SymbolInfo) SnapToTick(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	return math.Round(price/i.TickSize) * i.TickSize
}

// SnapToStep rounds a quantity down to the symbol's step size.
func (i SymbolInfo) SnapToStep(qty float64) float64 {
	if i.StepSize <= 0 {
		return qty
	}
	return math.Floor(qty/i.StepSize+1e-9) * i.StepSize
}
