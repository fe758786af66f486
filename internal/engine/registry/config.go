package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk descriptor configuration format:
//
//	handlers:
//	  - name: task.dependency_cascade
//	    rank: 10
//	    active: true
//	    async: false
//	    bindings:
//	      - kind: task
//	        action: after_update
type ConfigFile struct {
	Handlers []Descriptor `yaml:"handlers"`
}

// LoadConfig reads and validates a descriptor set from a YAML file.
// Used to seed tenant registries at provisioning time.
func LoadConfig(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor config: %w", err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse descriptor config: %w", err)
	}

	for _, d := range cfg.Handlers {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg.Handlers, nil
}
