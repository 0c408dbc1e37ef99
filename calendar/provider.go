package calendar

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// PROVIDER - Versioned, atomically reloadable calendar
// =============================================================================

// Provider hands out the current Calendar. Reload swaps the whole Calendar
// behind an atomic pointer, so readers always see a fully-old or fully-new
// schedule, never a partial one. No locks on the read path.
type Provider struct {
	current atomic.Pointer[Calendar]
	version atomic.Int64
}

// NewProvider creates a Provider seeded with cfg as version 1.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{}
	if err := p.Reload(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the active Calendar. Never nil after NewProvider succeeds.
func (p *Provider) Current() *Calendar {
	return p.current.Load()
}

// Reload builds a Calendar from cfg and installs it with the next version.
// Invalid config leaves the current Calendar untouched.
func (p *Provider) Reload(cfg Config) error {
	v := int(p.version.Add(1))
	cal, err := New(cfg, v)
	if err != nil {
		p.version.Add(-1)
		return err
	}
	p.current.Store(cal)
	return nil
}

// LoadConfig reads a YAML calendar definition from path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("calendar: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("calendar: parse config: %w", err)
	}
	return cfg, nil
}
