// Package playbook loads the externally-editable sales playbook documents:
// pricing rules, SDR cadence configuration, and the follow-up timing table.
// Documents are immutable once handed to a caller; an edit on disk produces a
// new snapshot and never retroactively alters an in-flight run.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agos-io/factory/internal/negotiation"
)

// SDRLoopConfig is the sdr_loop section of a playbook document. TimingHours
// is keyed by the cadence state being entered.
type SDRLoopConfig struct {
	MaxTouches  int            `json:"max_touches" yaml:"max_touches"`
	TimingHours map[string]int `json:"timing_hours" yaml:"timing_hours"`
}

// Playbook is one sales configuration document. Tenant is empty for the
// system default; a tenant-specific document overrides it wholesale.
type Playbook struct {
	ID           string                   `json:"id" yaml:"id"`
	Tenant       string                   `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Name         string                   `json:"name" yaml:"name"`
	PricingRules negotiation.PricingRules `json:"pricing_rules" yaml:"pricing_rules"`
	SDRLoop      SDRLoopConfig            `json:"sdr_loop" yaml:"sdr_loop"`

	QualityThreshold int `json:"quality_threshold" yaml:"quality_threshold"`
	MaxIterations    int `json:"max_iterations" yaml:"max_iterations"`
}

// Validate checks the document is usable before it enters the registry.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("playbook has no id")
	}
	if p.SDRLoop.MaxTouches < 0 {
		return fmt.Errorf("playbook %s: max_touches must not be negative", p.ID)
	}
	for state, hours := range p.SDRLoop.TimingHours {
		if hours <= 0 {
			return fmt.Errorf("playbook %s: timing for %q must be positive, got %d", p.ID, state, hours)
		}
	}
	if p.PricingRules.MarginRules.MaxDiscountPct < 0 || p.PricingRules.MarginRules.MaxDiscountPct > 100 {
		return fmt.Errorf("playbook %s: max_discount_pct must be 0-100", p.ID)
	}
	return nil
}

// TimingTable converts the document's hour map into the scheduler's table,
// starting from the stock cadence and overriding per configured state.
func (p *Playbook) TimingTable() negotiation.TimingTable {
	table := negotiation.DefaultTimingTable()
	for state, hours := range p.SDRLoop.TimingHours {
		table[negotiation.SDRState(state)] = time.Duration(hours) * time.Hour
	}
	return table
}

// MaxTouches returns the cadence limit, falling back to the stock limit of 7.
func (p *Playbook) MaxTouches() int {
	if p.SDRLoop.MaxTouches < 1 {
		return 7
	}
	return p.SDRLoop.MaxTouches
}

// Default is the built-in system playbook used when no document directory is
// configured or no default document exists.
func Default() *Playbook {
	return &Playbook{
		ID:   "system-default",
		Name: "System Default Playbook",
		PricingRules: negotiation.PricingRules{
			BasePrices: map[string]float64{
				"default":        5000,
				"landing_page":   2500,
				"small_business": 5000,
				"ecommerce":      8000,
				"saas":           12000,
			},
			SignalMultipliers: map[string]float64{
				"pagespeed_below_30":   1.2,
				"pagespeed_below_50":   1.1,
				"no_ssl":               1.1,
				"no_mobile":            1.15,
				"outdated_5plus_years": 1.2,
				"outdated_3plus_years": 1.1,
			},
			IndustryMultipliers: map[string]float64{"default": 1.0},
			MarginRules:         negotiation.MarginRules{MaxDiscountPct: 15},
		},
		SDRLoop: SDRLoopConfig{
			MaxTouches: 7,
			TimingHours: map[string]int{
				"follow_up_1":   48,
				"follow_up_2":   72,
				"channel_pivot": 48,
				"escalation":    96,
				"cooling_off":   168,
				"re_engagement": 336,
			},
		},
		QualityThreshold: 85,
		MaxIterations:    3,
	}
}

// LoadFromFile parses one playbook document, .json or .yaml/.yml.
func LoadFromFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook file: %w", err)
	}

	var p Playbook
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse playbook JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse playbook YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported playbook document extension: %s", filepath.Ext(path))
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
