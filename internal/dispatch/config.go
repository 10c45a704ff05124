package dispatch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-mmul/internal/kernel"
)

// fileConfig is the YAML form of Config:
//
//	workers: 8
//	max_cached_shapes: 4096
//	variants:
//	  - name: t64
//	    shape: [64, 64, 32, 2, 2, 2, 4, 4]
//
// Shape lists M, N, K, WarpsM, WarpsN, UnrollK, ThreadM, ThreadN.
type fileConfig struct {
	Workers         *int `yaml:"workers"`
	MaxCachedShapes *int `yaml:"max_cached_shapes"`
	Variants        []struct {
		Name  string   `yaml:"name"`
		Shape []uint32 `yaml:"shape"`
	} `yaml:"variants"`
}

// LoadConfig reads a YAML dispatcher config. Fields left out keep their
// DefaultConfig values.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	if err := yaml.NewDecoder(r).Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode dispatch config: %w", err)
	}

	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	if fc.MaxCachedShapes != nil {
		cfg.MaxCachedShapes = *fc.MaxCachedShapes
	}
	if len(fc.Variants) > 0 {
		cfg.Variants = make([]Variant, 0, len(fc.Variants))
		for i, v := range fc.Variants {
			if len(v.Shape) != 8 {
				return Config{}, fmt.Errorf("variant %d (%q): shape needs 8 values, got %d", i, v.Name, len(v.Shape))
			}
			s := kernel.TileShape{
				M: v.Shape[0], N: v.Shape[1], K: v.Shape[2],
				WarpsM: v.Shape[3], WarpsN: v.Shape[4],
				UnrollK: v.Shape[5],
				ThreadM: v.Shape[6], ThreadN: v.Shape[7],
			}
			name := v.Name
			if name == "" {
				name = s.String()
			}
			cfg.Variants = append(cfg.Variants, Variant{Name: name, Shape: s})
		}
	}
	return cfg, nil
}

// LoadConfigFile is LoadConfig on a file path.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return LoadConfig(f)
}
