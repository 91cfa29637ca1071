package compart

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the file form of an application's compartments and policy.
type Manifest struct {
	Config       Config        `yaml:",inline"`
	Compartments []Compartment `yaml:"compartments"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// LoadFile reads a manifest. Unset fields keep their DefaultConfig values;
// callbacks and PreInit hooks are attached by the caller.
func LoadFile(path string) (*Manifest, error) {
	m := Manifest{Config: DefaultConfig()}
	if err := loadYAML(path, &m); err != nil {
		return nil, err
	}
	if len(m.Compartments) == 0 {
		return nil, fmt.Errorf("config %s declares no compartments", path)
	}
	return &m, nil
}

// Compartment returns the named compartment declaration for attaching hooks.
func (m *Manifest) Compartment(name string) *Compartment {
	for i := range m.Compartments {
		if m.Compartments[i].Name == name {
			return &m.Compartments[i]
		}
	}
	return nil
}
