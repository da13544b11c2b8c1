package chat

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompt is one versioned prompt template. Placeholders ({{question}},
// {{context}}, {{history}}) are substituted at render time.
type Prompt struct {
	Name     string `yaml:"name" json:"name"`
	Version  int    `yaml:"version" json:"version"`
	System   string `yaml:"system" json:"system"`
	Template string `yaml:"template" json:"template"`
}

// PromptRegistry holds every known prompt, keyed by name and version.
type PromptRegistry struct {
	prompts map[string][]Prompt
}

const defaultPromptName = "answer_question"

// defaultPrompts back the registry when no prompts file is deployed.
const defaultPrompts = `
prompts:
  - name: answer_question
    version: 1
    system: |
      You answer questions strictly from the provided document excerpts.
      If the excerpts do not contain the answer, say you do not know.
      Cite nothing outside the excerpts. Be concise.
    template: |
      Document excerpts:
      {{context}}

      {{history}}

      Question: {{question}}
`

// LoadPromptRegistryFromEnv reads the YAML prompts file named by
// CHAT_PROMPTS_PATH, falling back to the built-in prompt set when the
// variable is unset or the file is missing.
func LoadPromptRegistryFromEnv() (*PromptRegistry, error) {
	path := strings.TrimSpace(os.Getenv("CHAT_PROMPTS_PATH"))
	if path == "" {
		return parsePromptRegistry([]byte(defaultPrompts))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return parsePromptRegistry([]byte(defaultPrompts))
		}
		return nil, fmt.Errorf("chat: read prompts file %s: %w", path, err)
	}
	return parsePromptRegistry(raw)
}

func parsePromptRegistry(raw []byte) (*PromptRegistry, error) {
	var decoded struct {
		Prompts []Prompt `yaml:"prompts"`
	}
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("chat: parse prompts: %w", err)
	}

	registry := &PromptRegistry{prompts: make(map[string][]Prompt)}
	for _, prompt := range decoded.Prompts {
		name := strings.TrimSpace(prompt.Name)
		if name == "" || prompt.Version <= 0 || strings.TrimSpace(prompt.Template) == "" {
			return nil, fmt.Errorf("chat: prompt %q needs a name, positive version and template", prompt.Name)
		}
		prompt.Name = name
		registry.prompts[name] = append(registry.prompts[name], prompt)
	}
	if _, ok := registry.prompts[defaultPromptName]; !ok {
		return nil, fmt.Errorf("chat: prompt set must include %q", defaultPromptName)
	}
	return registry, nil
}

// Lookup resolves a prompt by name and version. Version 0 selects the
// highest available version; an unknown name falls back to the default
// prompt so chat keeps answering through a bad deploy.
func (r *PromptRegistry) Lookup(name string, version int) Prompt {
	candidates, ok := r.prompts[strings.TrimSpace(name)]
	if !ok || len(candidates) == 0 {
		candidates = r.prompts[defaultPromptName]
	}

	var best Prompt
	for _, candidate := range candidates {
		if candidate.Version == version {
			return candidate
		}
		if candidate.Version > best.Version {
			best = candidate
		}
	}
	return best
}

// Render substitutes the placeholders and returns system and user prompts.
func (p Prompt) Render(question, contextBlock, history string) (string, string) {
	user := p.Template
	user = strings.ReplaceAll(user, "{{question}}", question)
	user = strings.ReplaceAll(user, "{{context}}", contextBlock)
	if strings.TrimSpace(history) != "" {
		history = "Conversation so far:\n" + history
	}
	user = strings.ReplaceAll(user, "{{history}}", history)
	return strings.TrimSpace(p.System), strings.TrimSpace(user)
}
