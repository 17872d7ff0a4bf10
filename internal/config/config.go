package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models jalon.yml.
type Config struct {
	Pipeline struct {
		ID           string   `yaml:"id"`
		Stages       []string `yaml:"stages"`
		InitialStage string   `yaml:"initial_stage"`
		// StrictStages rejects transitions to stage names not listed
		// above. Off by default: legacy records may carry custom names.
		StrictStages bool `yaml:"strict_stages"`
	} `yaml:"pipeline"`
	Timeline struct {
		Types []string `yaml:"types"`
	} `yaml:"timeline"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Types          []string `yaml:"types"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with jn config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Pipeline.Stages {
		if s == "" {
			return fmt.Errorf("config.pipeline.stages contains an empty stage name")
		}
		if seen[s] {
			return fmt.Errorf("config.pipeline.stages lists %s twice", s)
		}
		seen[s] = true
	}
	if c.Pipeline.InitialStage == "" {
		return fmt.Errorf("config.pipeline.initial_stage is required")
	}
	if !seen[c.Pipeline.InitialStage] {
		return fmt.Errorf("config.pipeline.initial_stage %s not in stages", c.Pipeline.InitialStage)
	}
	for _, t := range c.Timeline.Types {
		if t == "" {
			return fmt.Errorf("config.timeline.types contains an empty type")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// KnownStage reports whether name is one of the configured stages.
func (c *Config) KnownStage(name string) bool {
	for _, s := range c.Pipeline.Stages {
		if s == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jalon.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pipelineID string) string {
	return fmt.Sprintf(defaultTemplate, pipelineID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineID string) *Config {
	var cfg Config
	cfg.Pipeline.ID = pipelineID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, pipelineID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  id: %s
  stages:
    - qualifie
    - acompte_recu
    - conception
    - devis_negociation
    - accepte
    - premier_depot
    - projet_en_cours
    - chantier
    - facture_reglee
    - livraison_termine
  initial_stage: qualifie
  strict_stages: false

timeline:
  types:
    - note
    - appel
    - rdv
    - document
    - statut
    - paiement

webhooks: []
`
