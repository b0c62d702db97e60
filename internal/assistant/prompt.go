package assistant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompt is the assistant's system prompt and sampling settings.
type Prompt struct {
	System string `yaml:"system"`
	Style  struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
	Image struct {
		Size          string `yaml:"size"`
		DefaultPrompt string `yaml:"default_prompt"`
	} `yaml:"image"`
}

func LoadPrompt(path string) (Prompt, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, err
	}
	var p Prompt
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Prompt{}, fmt.Errorf("parse prompt %s: %w", path, err)
	}
	return p, nil
}

func (p Prompt) imageSize() string {
	if p.Image.Size == "" {
		return "1024x1024"
	}
	return p.Image.Size
}

func (p Prompt) defaultImagePrompt() string {
	if p.Image.DefaultPrompt == "" {
		return "Generate an image"
	}
	return p.Image.DefaultPrompt
}
