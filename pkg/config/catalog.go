package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
)

// Catalog lists the preset purchase amounts offered to buyers.
type Catalog struct {
	Presets []finance.Preset `yaml:"presets" json:"presets"`
}

// LoadCatalog reads a YAML catalog. An empty path yields the default presets.
//
//	presets:
//	  - amount: 2500
//	    label: "$25.00"
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{Presets: finance.DefaultPresets()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Presets) == 0 {
		return nil, fmt.Errorf("catalog has no presets")
	}
	seen := make(map[finance.Amount]bool, len(c.Presets))
	for i, p := range c.Presets {
		if err := p.Amount.Validate(); err != nil {
			return nil, fmt.Errorf("catalog preset %d: %w", i, err)
		}
		if seen[p.Amount] {
			return nil, fmt.Errorf("catalog preset %d: duplicate amount %s", i, p.Amount)
		}
		seen[p.Amount] = true
		if p.Label == "" {
			c.Presets[i].Label = p.Amount.String()
		}
	}
	return &c, nil
}
