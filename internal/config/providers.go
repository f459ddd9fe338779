package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// providersFile is the on-disk provider catalogue.
//
//	providers:
//	  - name: groq
//	    api_url: https://api.groq.com/openai/v1/chat/completions
//	    api_key_env: GROQ_API_KEY
//	    model: llama-3.1-8b-instant
//	    fallback_models: [gemma2-9b-it]
//	    timeout: 30s
type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads a YAML provider catalogue. Keys referenced through
// api_key_env are resolved from the environment, and a zero timeout inherits
// defaultTimeout.
func LoadProviders(path string, defaultTimeout time.Duration) (map[string]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]ProviderConfig, len(file.Providers))
	for i, p := range file.Providers {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return nil, fmt.Errorf("provider #%d has no name", i+1)
		}
		if p.APIURL == "" {
			return nil, fmt.Errorf("provider %q has no api_url", p.Name)
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = strings.TrimSpace(os.Getenv(p.APIKeyEnv))
		}
		if p.Timeout <= 0 {
			p.Timeout = defaultTimeout
		}
		if p.AppName == "" {
			p.AppName = "Confidant"
		}
		out[p.Name] = p
	}
	return out, nil
}
