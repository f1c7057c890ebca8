package threads

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeeds reads channel seeds from a YAML file. The file is a list of
// {name, description} entries. An empty path yields no seeds.
func LoadSeeds(path string) ([]ChannelSeed, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel seeds: %w", err)
	}
	var seeds []ChannelSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse channel seeds: %w", err)
	}
	for i, s := range seeds {
		if s.Name == "" {
			return nil, fmt.Errorf("channel seed %d has no name", i)
		}
	}
	return seeds, nil
}
