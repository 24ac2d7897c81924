// Package conf provides the typed-config-from-a-map convention used by
// swarmd's storage backends (and available to adminhttp's cfg-tagged
// Config): a MapConfig decodes into a component's own Config struct via
// `cfg` struct tags.
package conf

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// MapConfig is an untyped configuration blob, typically decoded from YAML,
// that components unmarshal into their own Config struct.
type MapConfig map[string]any

// Unmarshal decodes the map into dst, which must be a pointer to a struct
// tagged with `cfg:"..."` field names.
func (m MapConfig) Unmarshal(dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(m))
}

// Sub returns the nested map found under key, or an empty MapConfig if
// key is absent or not itself a map; lets a component pull its own
// sub-section out of a process-wide config document before Unmarshal.
func (m MapConfig) Sub(key string) MapConfig {
	v, ok := m[key]
	if !ok {
		return MapConfig{}
	}
	switch sub := v.(type) {
	case MapConfig:
		return sub
	case map[string]any:
		return MapConfig(sub)
	default:
		return MapConfig{}
	}
}

// LoadFile reads path as YAML and decodes it into a MapConfig, the entry
// point for a process assembling storage/adminhttp config from
// a single document, the same top-level shape the teacher's own process
// config takes (one YAML file unmarshaled into nested component configs).
func LoadFile(path string) (MapConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conf: read %s: %w", path, err)
	}
	var m MapConfig
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("conf: parse %s: %w", path, err)
	}
	return m, nil
}
