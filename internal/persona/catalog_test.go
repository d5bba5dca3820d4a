package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstructionsUsePersonaAndLanguage(t *testing.T) {
	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	got := c.Instructions("spanish", "sales", "")
	if !strings.Contains(got, "sales representative") {
		t.Fatalf("instructions = %q, want sales persona", got)
	}
	if !strings.Contains(got, "Always speak in Spanish") {
		t.Fatalf("instructions = %q, want Spanish", got)
	}
	if strings.Contains(got, languagePlaceholder) {
		t.Fatalf("instructions still contain placeholder: %q", got)
	}
}

func TestInstructionsFallbackToDefaults(t *testing.T) {
	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	got := c.Instructions("klingon", "pirate", "")
	want := c.Instructions("english", "support", "")
	if got != want {
		t.Fatalf("Instructions(unknown) = %q, want defaults %q", got, want)
	}
}

func TestCustomInstructionsOverride(t *testing.T) {
	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if got := c.Instructions("spanish", "sales", "  Only talk about pizza. "); got != "Only talk about pizza." {
		t.Fatalf("Instructions() = %q, want custom override", got)
	}
}

func TestVoiceResolution(t *testing.T) {
	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if got := c.Voice("sales", "", "alloy"); got != "alloy" {
		t.Fatalf("Voice() = %q, want fallback alloy", got)
	}
	if got := c.Voice("sales", "verse", "alloy"); got != "verse" {
		t.Fatalf("Voice() = %q, want custom verse", got)
	}
}

func TestNewCatalogRejectsUnknownDefault(t *testing.T) {
	if _, err := NewCatalog("pirate", "english"); err == nil {
		t.Fatalf("expected error for unknown default persona")
	}
	if _, err := NewCatalog("support", "klingon"); err == nil {
		t.Fatalf("expected error for unknown default language")
	}
}

func TestLoadFileMergesPersonas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	raw := `languages:
  dutch: Dutch
personas:
  concierge:
    voice: shimmer
    instructions: |
      You are a hotel concierge. Speak in {{language}}.
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := c.Instructions("dutch", "concierge", ""); got != "You are a hotel concierge. Speak in Dutch." {
		t.Fatalf("Instructions() = %q", got)
	}
	if got := c.Voice("concierge", "", "alloy"); got != "shimmer" {
		t.Fatalf("Voice() = %q, want shimmer", got)
	}
	if ids := c.Personas(); len(ids) != 4 {
		t.Fatalf("Personas() = %v, want 4 entries", ids)
	}
}

func TestLoadFileRejectsEmptyInstructions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte("personas:\n  blank:\n    voice: ash\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	c, err := NewCatalog("support", "english")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if err := c.LoadFile(path); err == nil {
		t.Fatalf("expected error for persona without instructions")
	}
}
