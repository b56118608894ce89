package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPresetsValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    *Profile
	}{
		{"embedded", Embedded()},
		{"server", Server()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"zero instructions", func(p *Profile) { p.MaxInstructions = 0 }},
		{"tiny stack", func(p *Profile) { p.StackSize = 32 }},
		{"unaligned stack", func(p *Profile) { p.StackSize = 100 }},
		{"zero call depth", func(p *Profile) { p.MaxCallDepth = 0 }},
		{"negative heap", func(p *Profile) { p.HeapSize = -1 }},
		{"zero fuel", func(p *Profile) { p.Fuel = 0 }},
		{"negative loop budget", func(p *Profile) { p.MaxLoopIterations = -1 }},
		{"negative map memory", func(p *Profile) { p.MapMemoryLimit = -1 }},
		{"zero programs", func(p *Profile) { p.MaxPrograms = 0 }},
		{"zero maps", func(p *Profile) { p.MaxMaps = 0 }},
		{"bad scheduler", func(p *Profile) { p.Scheduler = "fair" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Server()
			tc.mutate(p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("err = %v, want %v", err, ErrInvalidProfile)
			}
		})
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	p, err := Parse([]byte(`
fuel = 500000
jit-enabled = false
scheduler = "deadline"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Fuel != 500000 || p.JITEnabled || p.Scheduler != SchedDeadline {
		t.Errorf("overrides not applied: %+v", p)
	}
	// untouched keys keep the server defaults
	if want := Server(); p.MaxInstructions != want.MaxInstructions || p.StackSize != want.StackSize {
		t.Errorf("defaults clobbered: %+v", p)
	}
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse([]byte(`feul = 100`))
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("err = %v, want %v", err, ErrInvalidProfile)
	}
}

func TestParseInvalidValues(t *testing.T) {
	_, err := Parse([]byte(`stack-size = 13`))
	if !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("err = %v, want %v", err, ErrInvalidProfile)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	if err := os.WriteFile(path, []byte("max-programs = 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if p.MaxPrograms != 4 {
		t.Errorf("MaxPrograms = %d, want 4", p.MaxPrograms)
	}

	if _, err := FromFile(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}
