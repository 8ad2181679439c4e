// Package conf loads the tracker's YAML configuration file into typed
// per-component structs, mirroring the teacher's MapConfig/mapstructure
// idiom so every component (storage, frontend, blacklist...) validates its
// own configuration independently.
package conf

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// MapConfig is a generic, untyped configuration blob decoded from YAML.
// Components call Unmarshal to decode it into their own Config type.
type MapConfig map[string]any

// Unmarshal decodes the MapConfig into dst using struct tags named "cfg"
// (falling back to the lowercased field name), consistent across every
// component's Config type.
func (c MapConfig) Unmarshal(dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(c))
}

// Root is the top-level configuration file shape.
type Root struct {
	// Storage selects and configures the peer storage backend by name.
	Storage NamedConfig `yaml:"storage"`
	// Frontends configures one or more request frontends.
	Frontends []NamedConfig `yaml:"frontends"`
	// AnnounceInterval is the interval clients are told to re-announce on.
	AnnounceInterval string `yaml:"announce_interval"`
	// MinAnnounceInterval is the minimum interval the tracker will accept
	// re-announces at.
	MinAnnounceInterval string `yaml:"min_announce_interval"`
	// Control holds the runtime control-surface configuration.
	Control MapConfig `yaml:"control"`
	// Blacklist configures the external SQL blacklist poller.
	Blacklist MapConfig `yaml:"blacklist"`
	// Checkpoint configures the on-disk checkpoint codec.
	Checkpoint MapConfig `yaml:"checkpoint"`
}

// NamedConfig pairs a registered component name with its own configuration
// blob, matching the teacher's storage/frontend builder-registry pattern.
type NamedConfig struct {
	Name   string    `yaml:"name"`
	Config MapConfig `yaml:"config"`
}

// LoadFile reads and parses a YAML configuration file from path.
func LoadFile(path string) (Root, error) {
	var root Root
	b, err := os.ReadFile(path)
	if err != nil {
		return root, err
	}
	err = yaml.Unmarshal(b, &root)
	return root, err
}
