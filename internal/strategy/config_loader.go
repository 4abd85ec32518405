package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the top-level YAML structure:
//
//	trader_types:
//	  scalping: [M1, M5, M15]
//	strategies:
//	  hedging: [H1, H4, D1]
type catalogFile struct {
	TraderTypes map[TraderType][]Timeframe      `yaml:"trader_types"`
	Strategies  map[TradingStrategy][]Timeframe `yaml:"strategies"`
}

// LoadCatalog reads a catalog override from a YAML file. Sections missing
// from the file keep the built-in tables.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	cat := DefaultCatalog()
	if len(file.TraderTypes) > 0 {
		cat.TraderTypes = file.TraderTypes
	}
	if len(file.Strategies) > 0 {
		cat.Strategies = file.Strategies
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}
