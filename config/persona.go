package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/tools"
)

// Persona defines who the service speaks as: the system prompt, the
// curated golden answers, and the knowledge sources the lookup tool can
// consult.
type Persona struct {
	Name         string                  `yaml:"name"`
	SystemPrompt string                  `yaml:"system_prompt"`
	Golden       []cache.GoldenPair      `yaml:"golden"`
	Knowledge    []tools.KnowledgeSource `yaml:"knowledge"`
}

// LoadPersona reads and validates a persona definition.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("persona %s: %w", path, err)
	}
	return &p, nil
}

func (p *Persona) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("system_prompt is required")
	}
	for i, g := range p.Golden {
		if g.Question == "" || g.Answer == "" {
			return fmt.Errorf("golden[%d]: question and answer are required", i)
		}
	}
	seen := make(map[string]bool, len(p.Knowledge))
	for i, k := range p.Knowledge {
		if k.Name == "" {
			return fmt.Errorf("knowledge[%d]: name is required", i)
		}
		if seen[k.Name] {
			return fmt.Errorf("knowledge[%d]: duplicate source %q", i, k.Name)
		}
		seen[k.Name] = true
		if k.URL == "" && k.Content == "" {
			return fmt.Errorf("knowledge[%d]: url or content is required", i)
		}
		switch k.Processor {
		case tools.ProcessorText, tools.ProcessorHTMLHead:
		case "":
			p.Knowledge[i].Processor = tools.ProcessorText
		default:
			return fmt.Errorf("knowledge[%d]: unknown processor %q", i, k.Processor)
		}
	}
	return nil
}
