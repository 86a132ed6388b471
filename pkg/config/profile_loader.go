package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/callmonitor-labs/orchestrator/pkg/provider"
)

// ProviderProfiles is the on-disk shape of the telephony provider profile
// file: a default profile name plus the named connections.
type ProviderProfiles struct {
	Default  string             `yaml:"default"`
	Profiles []provider.Profile `yaml:"profiles"`
}

// LoadProviderProfiles reads and validates the provider profile YAML.
func LoadProviderProfiles(path string) (*ProviderProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load provider profiles: %w", err)
	}

	var profiles ProviderProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse provider profiles: %w", err)
	}

	if len(profiles.Profiles) == 0 {
		return nil, fmt.Errorf("provider profile file %q defines no profiles", path)
	}
	for i, p := range profiles.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("provider profile %d is missing a name", i)
		}
		if p.BaseURL == "" || p.ProjectID == "" {
			return nil, fmt.Errorf("provider profile %q is missing base_url or project_id", p.Name)
		}
	}
	if profiles.Default == "" {
		profiles.Default = profiles.Profiles[0].Name
	}
	return &profiles, nil
}

// Get returns the named profile, or the default when name is empty.
func (p *ProviderProfiles) Get(name string) (provider.Profile, error) {
	if name == "" {
		name = p.Default
	}
	for _, profile := range p.Profiles {
		if profile.Name == name {
			return profile, nil
		}
	}
	return provider.Profile{}, fmt.Errorf("unknown provider profile %q", name)
}
