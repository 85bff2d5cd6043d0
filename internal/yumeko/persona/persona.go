// Package persona loads the personality descriptor that shapes Yumeko's
// dreams.
//
// The descriptor is a small YAML file validated against an embedded JSON
// schema before use, so a typo'd field name or wrong type fails loudly at
// startup instead of silently flattening the persona.
package persona

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("persona-schema.json", schemaJSON)

// Persona is the validated personality descriptor.
type Persona struct {
	// Name is the agent's display name.
	Name string `yaml:"name" json:"name"`

	// Description says who the agent is, in a sentence or two.
	Description string `yaml:"description" json:"description"`

	// Traits are short trait words or phrases.
	Traits []string `yaml:"traits,omitempty" json:"traits,omitempty"`

	// SpeechStyle describes how the agent phrases things.
	SpeechStyle string `yaml:"speech_style,omitempty" json:"speech_style,omitempty"`

	// DreamGuidance is free-text guidance for the tone and content of
	// dreams.
	DreamGuidance string `yaml:"dream_guidance,omitempty" json:"dream_guidance,omitempty"`
}

// Load reads and validates the persona file at path. A missing file is
// returned as-is (wrapped fs.ErrNotExist) so callers can fall back to
// Default.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a persona YAML document and validates it against the
// embedded schema. It is the canonical entry point for loading descriptors.
func Parse(data []byte) (*Persona, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// The schema validator works on JSON-decoded values (string-keyed maps,
	// float64 numbers), so round-trip the YAML document through JSON first.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("reparse json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &p, nil
}

// Default returns the built-in persona used when no descriptor file exists.
func Default() *Persona {
	return &Persona{
		Name:          "Yumeko",
		Description:   "A gentle, slightly drowsy companion who watches over the room and dreams about what she hears.",
		Traits:        []string{"curious", "soft-spoken", "a little surreal"},
		SpeechStyle:   "short, warm sentences with an occasional sleepy trailing thought",
		DreamGuidance: "Dreams drift between the day's conversations and impossible places; wistful rather than frightening.",
	}
}

// PromptBlock renders the persona as the guidance block embedded in the
// generation prompt. Empty optional fields are omitted.
func (p *Persona) PromptBlock() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	fmt.Fprintf(&b, "Personality: %s\n", p.Description)
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s\n", strings.Join(p.Traits, ", "))
	}
	if p.SpeechStyle != "" {
		fmt.Fprintf(&b, "Speech style: %s\n", p.SpeechStyle)
	}
	if p.DreamGuidance != "" {
		fmt.Fprintf(&b, "Dream guidance: %s\n", p.DreamGuidance)
	}
	return strings.TrimRight(b.String(), "\n")
}
