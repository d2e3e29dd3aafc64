package ratecache

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileEntry struct {
	Kind      types.TariffKind           `yaml:"kind"`
	Rates     map[string]decimal.Decimal `yaml:"rates"`
	FetchedAt time.Time                  `yaml:"fetchedAt"`
}

// ParseRates decodes a YAML list of manually entered rates. A missing
// fetchedAt is left zero so Seed stamps it with the load time.
//
//   - kind: solar
//     rates: {P1: 0.20, P2: 0.15, P3: 0.10}
func ParseRates(data []byte) ([]types.CachedRate, error) {
	var entries []fileEntry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode rates: %w", err)
	}

	out := make([]types.CachedRate, 0, len(entries))
	for i, e := range entries {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("rates[%d]: unknown tariff kind %q", i, e.Kind)
		}
		if len(e.Rates) == 0 {
			return nil, fmt.Errorf("rates[%d]: no rates for %s", i, e.Kind)
		}
		for period, r := range e.Rates {
			if r.IsNegative() {
				return nil, fmt.Errorf("rates[%d]: negative rate for %s", i, period)
			}
		}
		out = append(out, types.CachedRate{
			Kind:      e.Kind,
			Rates:     e.Rates,
			FetchedAt: e.FetchedAt,
			Source:    types.RateSourceManual,
		})
	}
	return out, nil
}

// LoadFile reads manual rates from a YAML file.
func LoadFile(path string) ([]types.CachedRate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rates file (%s): %w", path, err)
	}
	return ParseRates(data)
}
