package venue

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownToken indicates an asset identifier without a registered venue
// address.
var ErrUnknownToken = errors.New("venue: unknown token")

// Token describes the on-venue representation of an asset.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// TokenRegistry maps asset identifiers to venue token addresses. It is built
// once at startup and is read-only afterwards, so concurrent lookups need no
// locking.
type TokenRegistry struct {
	tokens map[string]Token
}

// NewTokenRegistry validates and indexes the supplied tokens.
func NewTokenRegistry(tokens []Token) (*TokenRegistry, error) {
	reg := &TokenRegistry{tokens: make(map[string]Token, len(tokens))}
	for _, tok := range tokens {
		symbol := NormalizeAsset(tok.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("venue: token symbol required")
		}
		if tok.Address == (common.Address{}) {
			return nil, fmt.Errorf("venue: token %s address required", symbol)
		}
		if _, exists := reg.tokens[symbol]; exists {
			return nil, fmt.Errorf("venue: duplicate token %s", symbol)
		}
		tok.Symbol = symbol
		reg.tokens[symbol] = tok
	}
	return reg, nil
}

// NormalizeAsset returns the canonical uppercase identifier.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Resolve returns the registered token for asset.
func (r *TokenRegistry) Resolve(asset string) (Token, error) {
	if r == nil {
		return Token{}, fmt.Errorf("%w: registry not configured", ErrUnknownToken)
	}
	tok, ok := r.tokens[NormalizeAsset(asset)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, asset)
	}
	return tok, nil
}

// ResolveVenueAddress returns only the venue address for asset.
func (r *TokenRegistry) ResolveVenueAddress(asset string) (common.Address, error) {
	tok, err := r.Resolve(asset)
	if err != nil {
		return common.Address{}, err
	}
	return tok.Address, nil
}

// Symbols lists the registered identifiers in sorted order.
func (r *TokenRegistry) Symbols() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.tokens))
	for symbol := range r.tokens {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
