// Package persona resolves the instructions and voice sent to the realtime
// service for a call.
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one instruction template. "{{language}}" in Instructions is
// replaced with the display name of the call's language.
type Persona struct {
	ID           string `yaml:"-"`
	Description  string `yaml:"description"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

type fileFormat struct {
	Languages map[string]string  `yaml:"languages"`
	Personas  map[string]Persona `yaml:"personas"`
}

// Catalog holds persona templates and supported languages.
type Catalog struct {
	personas        map[string]Persona
	languages       map[string]string
	defaultPersona  string
	defaultLanguage string
}

const languagePlaceholder = "{{language}}"

var builtinLanguages = map[string]string{
	"english":    "English",
	"spanish":    "Spanish",
	"french":     "French",
	"german":     "German",
	"italian":    "Italian",
	"portuguese": "Portuguese",
}

var builtinPersonas = map[string]Persona{
	"support": {
		Description: "Friendly customer support agent",
		Instructions: "You are a friendly and patient customer support agent on a phone call. " +
			"Always speak in {{language}}. Keep answers short and conversational, confirm " +
			"what the caller needs before acting, and offer to escalate to a human when you cannot help.",
	},
	"sales": {
		Description: "Consultative sales representative",
		Instructions: "You are an upbeat, consultative sales representative on a phone call. " +
			"Always speak in {{language}}. Ask about the caller's needs, recommend suitable " +
			"options without pressure, and offer to schedule a follow-up reminder.",
	},
	"receptionist": {
		Description: "Front desk receptionist",
		Instructions: "You are a polite receptionist answering the phone. Always speak in {{language}}. " +
			"Greet the caller, find out who they want to reach, take a message when needed, " +
			"and keep every turn brief.",
	},
}

// NewCatalog returns the built-in catalog with the given defaults.
func NewCatalog(defaultPersona, defaultLanguage string) (*Catalog, error) {
	c := &Catalog{
		personas:  make(map[string]Persona, len(builtinPersonas)),
		languages: make(map[string]string, len(builtinLanguages)),
	}
	for id, p := range builtinPersonas {
		p.ID = id
		c.personas[id] = p
	}
	for k, v := range builtinLanguages {
		c.languages[k] = v
	}
	if err := c.setDefaults(defaultPersona, defaultLanguage); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile merges personas and languages from a YAML file into the catalog.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona file %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse persona file %s: %w", path, err)
	}
	for k, v := range f.Languages {
		key := normalize(k)
		if key == "" || strings.TrimSpace(v) == "" {
			return fmt.Errorf("persona file %s: language entries need a key and display name", path)
		}
		c.languages[key] = strings.TrimSpace(v)
	}
	for k, p := range f.Personas {
		id := normalize(k)
		if id == "" {
			return fmt.Errorf("persona file %s: empty persona id", path)
		}
		if strings.TrimSpace(p.Instructions) == "" {
			return fmt.Errorf("persona file %s: persona %q has no instructions", path, id)
		}
		p.ID = id
		p.Instructions = strings.TrimSpace(p.Instructions)
		c.personas[id] = p
	}
	return c.setDefaults(c.defaultPersona, c.defaultLanguage)
}

func (c *Catalog) setDefaults(personaID, language string) error {
	personaID = normalize(personaID)
	language = normalize(language)
	if _, ok := c.personas[personaID]; !ok {
		return fmt.Errorf("default persona %q is not defined", personaID)
	}
	if _, ok := c.languages[language]; !ok {
		return fmt.Errorf("default language %q is not defined", language)
	}
	c.defaultPersona = personaID
	c.defaultLanguage = language
	return nil
}

func (c *Catalog) DefaultPersona() string  { return c.defaultPersona }
func (c *Catalog) DefaultLanguage() string { return c.defaultLanguage }

// Personas returns the known persona ids in sorted order.
func (c *Catalog) Personas() []string {
	out := make([]string, 0, len(c.personas))
	for id := range c.personas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Instructions resolves the session instructions. A non-empty custom
// override wins; unknown personas and languages fall back to the defaults.
func (c *Catalog) Instructions(language, personaID, custom string) string {
	if s := strings.TrimSpace(custom); s != "" {
		return s
	}
	p := c.persona(personaID)
	return strings.ReplaceAll(p.Instructions, languagePlaceholder, c.languageName(language))
}

// Voice resolves the realtime voice: custom override, then the persona's
// voice, then fallback.
func (c *Catalog) Voice(personaID, custom, fallback string) string {
	if s := strings.TrimSpace(custom); s != "" {
		return s
	}
	if v := strings.TrimSpace(c.persona(personaID).Voice); v != "" {
		return v
	}
	return fallback
}

func (c *Catalog) persona(id string) Persona {
	if p, ok := c.personas[normalize(id)]; ok {
		return p
	}
	return c.personas[c.defaultPersona]
}

func (c *Catalog) languageName(language string) string {
	if name, ok := c.languages[normalize(language)]; ok {
		return name
	}
	return c.languages[c.defaultLanguage]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
