package alerts

import (
	"fmt"
	"io"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	yaml "gopkg.in/yaml.v2"
)

// ThresholdRule defines the acceptable band for one parameter at one
// severity. A nil bound is unbounded in that direction.
type ThresholdRule struct {
	Parameter types.Parameter `yaml:"parameter"`
	Severity  types.Severity  `yaml:"severity"`
	Min       *float64        `yaml:"min"`
	Max       *float64        `yaml:"max"`
}

// Breached reports whether the value falls outside the band and which bound
// it crossed.
func (r ThresholdRule) Breached(value float64) (float64, bool) {
	if r.Min != nil && value < *r.Min {
		return *r.Min, true
	}
	if r.Max != nil && value > *r.Max {
		return *r.Max, true
	}
	return 0, false
}

type Config struct {
	Thresholds []ThresholdRule               `yaml:"thresholds"`
	Cooldowns  map[types.Severity]string     `yaml:"cooldowns"`
	cooldowns  map[types.Severity]time.Duration
}

var severityRank = map[types.Severity]int{
	types.SeverityAdvisory: 1,
	types.SeverityWarning:  2,
	types.SeverityCritical: 3,
}

func f64(v float64) *float64 {
	return &v
}

// DefaultConfig carries regulatory defaults. Deployments override them with
// a YAML file.
func DefaultConfig() *Config {
	cfg := &Config{
		Thresholds: []ThresholdRule{
			{Parameter: types.ParameterPH, Severity: types.SeverityWarning, Min: f64(6.5), Max: f64(8.5)},
			{Parameter: types.ParameterPH, Severity: types.SeverityCritical, Min: f64(6.0), Max: f64(9.0)},
			{Parameter: types.ParameterTurbidity, Severity: types.SeverityWarning, Max: f64(1.0)},
			{Parameter: types.ParameterTurbidity, Severity: types.SeverityCritical, Max: f64(5.0)},
			{Parameter: types.ParameterTDS, Severity: types.SeverityWarning, Max: f64(500)},
			{Parameter: types.ParameterTDS, Severity: types.SeverityCritical, Max: f64(1000)},
		},
		cooldowns: map[types.Severity]time.Duration{
			types.SeverityAdvisory: 30 * time.Minute,
			types.SeverityWarning:  15 * time.Minute,
			types.SeverityCritical: 5 * time.Minute,
		},
	}

	return cfg
}

func NewConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	cfg.cooldowns = make(map[types.Severity]time.Duration)
	for severity, value := range cfg.Cooldowns {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cooldown for %s: %w", severity, err)
		}
		cfg.cooldowns[severity] = d
	}

	defaults := DefaultConfig()
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = defaults.Thresholds
	}
	for severity, d := range defaults.cooldowns {
		if _, ok := cfg.cooldowns[severity]; !ok {
			cfg.cooldowns[severity] = d
		}
	}

	return cfg, nil
}

// Cooldown returns the merge window for a severity. Critical is shortest so
// persistent critical conditions resurface sooner.
func (c *Config) Cooldown(severity types.Severity) time.Duration {
	if d, ok := c.cooldowns[severity]; ok {
		return d
	}
	return 15 * time.Minute
}

// Evaluate finds the highest severity rule the value breaches for the
// parameter, or ok=false when the value is within every band. The reported
// threshold is the first boundary the value crossed on its way out of
// range, the bound of the least severe breached rule.
func (c *Config) Evaluate(parameter types.Parameter, value float64) (types.Severity, float64, bool) {
	var best types.Severity
	var threshold float64
	var bestRank, thresholdRank int
	found := false

	for _, rule := range c.Thresholds {
		if rule.Parameter != parameter {
			continue
		}

		t, breached := rule.Breached(value)
		if !breached {
			continue
		}

		rank := severityRank[rule.Severity]
		if !found || rank > bestRank {
			best = rule.Severity
			bestRank = rank
		}
		if !found || rank < thresholdRank {
			threshold = t
			thresholdRank = rank
		}
		found = true
	}

	return best, threshold, found
}
