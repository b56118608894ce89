package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// FromFile loads a profile from a TOML file. Keys absent from the file
// keep their Server() defaults; unknown keys are rejected so a typo
// cannot silently weaken a ceiling.
func FromFile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a TOML profile document.
func Parse(raw []byte) (*Profile, error) {
	p := Server()
	meta, err := toml.Decode(string(raw), p)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidProfile, strings.Join(keys, ", "))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
