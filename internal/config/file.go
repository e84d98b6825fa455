package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the subset of Config that may be tuned from a YAML file.
// Keys absent from the file keep their current values.
type fileOverlay struct {
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Quota       QuotaConfig       `yaml:"quota"`
	Chat        ChatConfig        `yaml:"chat"`
}

func (c *Config) applyFile(path string) error {
	// #nosec G304 -- operator-supplied config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	overlay := fileOverlay{
		Maintenance: c.Maintenance,
		Quota:       c.Quota,
		Chat:        c.Chat,
	}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	c.Maintenance = overlay.Maintenance
	c.Quota = overlay.Quota
	apiKey := c.Chat.APIKey
	c.Chat = overlay.Chat
	c.Chat.APIKey = apiKey
	return nil
}
