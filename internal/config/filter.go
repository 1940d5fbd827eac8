package config

import (
	"fmt"
	"os"

	"github.com/klyr/mutator/internal/filter"
)

// FilterSpec returns the header filter configuration, read from filterFile
// when set. No filter configured yields an empty Spec, which mutates nothing.
func (c *Config) FilterSpec() (filter.Spec, error) {
	if c.FilterFile != "" {
		data, err := os.ReadFile(c.resolvePath(c.FilterFile))
		if err != nil {
			return filter.Spec{}, fmt.Errorf("read filter file: %w", err)
		}
		return filter.ParseSpec(data)
	}
	if c.Filter != nil {
		return *c.Filter, nil
	}
	return filter.Spec{}, nil
}

// BuildFilter compiles the header filter configuration.
func (c *Config) BuildFilter(opts ...filter.Option) (*filter.Config, error) {
	spec, err := c.FilterSpec()
	if err != nil {
		return nil, err
	}
	return filter.New(spec, opts...)
}
