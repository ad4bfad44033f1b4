// Package token resolves canonical instruments to vendor subscription tokens.
package token

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marketcalls/tickstream/errs"
)

// VendorToken identifies one instrument on the vendor feed.
type VendorToken struct {
	Token        string
	ExchangeType int
}

// Resolver maps a canonical (symbol, exchange) pair to its vendor token.
// Implementations are supplied by the surrounding platform; the gateway
// treats resolution as an external collaborator.
type Resolver interface {
	ResolveToken(symbol, exchange string) (VendorToken, error)
}

// Instrument is one entry of a static instrument map.
type Instrument struct {
	Symbol       string `yaml:"symbol"`
	Exchange     string `yaml:"exchange"`
	Token        string `yaml:"token"`
	ExchangeType int    `yaml:"exchangeType"`
}

// StaticResolver resolves tokens from a fixed in-memory instrument map.
type StaticResolver struct {
	byInstrument map[string]VendorToken
}

// NewStaticResolver builds a resolver over the given instruments. Later
// entries win on duplicate (symbol, exchange) pairs.
func NewStaticResolver(instruments []Instrument) *StaticResolver {
	r := new(StaticResolver)
	r.byInstrument = make(map[string]VendorToken, len(instruments))
	for _, in := range instruments {
		key := instrumentKey(in.Symbol, in.Exchange)
		if key == "." {
			continue
		}
		r.byInstrument[key] = VendorToken{Token: strings.TrimSpace(in.Token), ExchangeType: in.ExchangeType}
	}
	return r
}

// ResolveToken implements Resolver.
func (r *StaticResolver) ResolveToken(symbol, exchange string) (VendorToken, error) {
	vt, ok := r.byInstrument[instrumentKey(symbol, exchange)]
	if !ok {
		return VendorToken{}, errs.New("token/resolve", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown instrument %s.%s", symbol, exchange)))
	}
	return vt, nil
}

// LoadInstruments reads a YAML instrument map from disk.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument map: %w", err)
	}
	var doc struct {
		Instruments []Instrument `yaml:"instruments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse instrument map: %w", err)
	}
	return doc.Instruments, nil
}

func instrumentKey(symbol, exchange string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "." + strings.ToUpper(strings.TrimSpace(exchange))
}
