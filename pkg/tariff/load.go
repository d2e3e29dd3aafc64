package tariff

import (
	"bytes"
	"fmt"
	"os"

	"github.com/raterudder/tarifa/pkg/types"
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML tariff configuration, applies the defaults of its kind
// and validates it.
func Parse(data []byte) (types.TariffConfig, error) {
	var cfg types.TariffConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return types.TariffConfig{}, &types.ConfigurationError{Reason: fmt.Sprintf("failed to decode yaml: %v", err)}
	}
	cfg = WithDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return types.TariffConfig{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML tariff configuration file.
func LoadFile(path string) (types.TariffConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.TariffConfig{}, fmt.Errorf("failed to read tariff config (%s): %w", path, err)
	}
	return Parse(data)
}
