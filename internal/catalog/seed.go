package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML seed file layout.
type Seed struct {
	Products []Product `yaml:"products"`
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (*Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode catalog seed: %w", err)
	}
	return &s, nil
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog seed: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// SeedFile loads the seed at path into the catalog and returns the number of
// products written.
func (c *SQLiteCatalog) SeedFile(ctx context.Context, path string) (int, error) {
	s, err := LoadSeed(path)
	if err != nil {
		return 0, err
	}
	if err := c.Upsert(ctx, s.Products); err != nil {
		return 0, err
	}
	return len(s.Products), nil
}
