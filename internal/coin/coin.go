// Package coin handles coin identifier parsing and validation against the
// registry of assets the engine is allowed to pool.
package coin

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/coinpool/capital-engine/internal/model"
)

// DefaultCoins is the registry used when SUPPORTED_COINS is not set.
var DefaultCoins = []string{"btc", "eth", "sol", "bnb", "xrp", "ada", "doge", "dot", "ltc", "avax"}

// symbolRegex matches a lowercase ticker symbol: 2-10 alphanumerics.
var symbolRegex = regexp.MustCompile(`^[a-z0-9]{2,10}$`)

var (
	ErrInvalidSymbol = errors.New("coin: invalid symbol")
	ErrUnknownCoin   = errors.New("coin: unsupported coin")
)

// Registry is the set of coins that may be pooled. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	known map[model.Coin]bool
}

// NewRegistry builds a registry from raw symbols. Symbols are normalised
// to lowercase; an invalid symbol fails the whole registry.
func NewRegistry(symbols []string) (*Registry, error) {
	r := &Registry{known: make(map[model.Coin]bool, len(symbols))}
	for _, s := range symbols {
		c, err := normalise(s)
		if err != nil {
			return nil, err
		}
		r.known[c] = true
	}
	if len(r.known) == 0 {
		return nil, fmt.Errorf("%w: registry is empty", ErrInvalidSymbol)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error. Intended for tests and
// package-level defaults.
func MustRegistry(symbols ...string) *Registry {
	r, err := NewRegistry(symbols)
	if err != nil {
		panic(err)
	}
	return r
}

// Parse validates raw user input ("BTC", " eth ") and returns the coin
// identifier used throughout the ledger.
func (r *Registry) Parse(raw string) (model.Coin, error) {
	c, err := normalise(raw)
	if err != nil {
		return "", err
	}
	if !r.known[c] {
		return "", fmt.Errorf("%w: %s", ErrUnknownCoin, c)
	}
	return c, nil
}

// Coins returns the registered coins in sorted order.
func (r *Registry) Coins() []model.Coin {
	out := make([]model.Coin, 0, len(r.known))
	for c := range r.known {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalise(raw string) (model.Coin, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 2-10 letters or digits)", ErrInvalidSymbol, raw)
	}
	return model.Coin(s), nil
}
