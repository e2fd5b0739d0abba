package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"gopkg.in/yaml.v3"
)

// Routing is the startup configuration for the routing core: credit
// capacities, reset period, provider registrations, the per-task provider
// priority table and frame score weights.
type Routing struct {
	Period               string                         `yaml:"period"`
	ProviderTimeout      time.Duration                  `yaml:"provider_timeout"`
	HighQualityThreshold float64                        `yaml:"high_quality_threshold"`
	MaxImagePixels       int                            `yaml:"max_image_pixels"`
	Capacities           map[domain.Tier]Capacity       `yaml:"capacities"`
	ScoreWeights         ScoreWeights                   `yaml:"score_weights"`
	Providers            []ProviderConfig               `yaml:"providers"`
	Tasks                map[domain.EditTask]TaskConfig `yaml:"tasks"`
}

type Capacity struct {
	Budget  int `yaml:"budget"`
	Premium int `yaml:"premium"`
}

type ScoreWeights struct {
	Sharpness   float64 `yaml:"sharpness"`
	Exposure    float64 `yaml:"exposure"`
	Composition float64 `yaml:"composition"`
}

// ProviderConfig registers one backend. Type selects the adapter
// implementation (local, openai, bedrock); ID is what the task table refers to.
type ProviderConfig struct {
	ID                string            `yaml:"id"`
	Type              string            `yaml:"type"`
	Model             string            `yaml:"model"`
	CostClass         domain.CostClass  `yaml:"cost_class"`
	Quality           float64           `yaml:"quality"`
	MaxPixels         int               `yaml:"max_pixels"`
	Capabilities      []domain.EditTask `yaml:"capabilities"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Concurrency       int               `yaml:"concurrency"`
}

type TaskConfig struct {
	DefaultCostClass domain.CostClass    `yaml:"default_cost_class"`
	OnDeviceFallback bool                `yaml:"on_device_fallback"`
	Providers        []domain.ProviderID `yaml:"providers"`
}

func DefaultRouting() *Routing {
	return &Routing{
		Period:               "monthly",
		ProviderTimeout:      30 * time.Second,
		HighQualityThreshold: 0.8,
		MaxImagePixels:       domain.DefaultMaxImagePixels,
		Capacities: map[domain.Tier]Capacity{
			domain.TierFree: {Budget: 50, Premium: 5},
			domain.TierPro:  {Budget: 500, Premium: 300},
		},
		ScoreWeights: ScoreWeights{
			Sharpness:   0.5,
			Exposure:    0.3,
			Composition: 0.2,
		},
		Providers: []ProviderConfig{
			{
				ID:           "local",
				Type:         "local",
				CostClass:    domain.CostFree,
				Quality:      0.4,
				Capabilities: []domain.EditTask{domain.TaskSimpleEnhance},
				Concurrency:  2,
			},
			{
				ID:                "openai-mini",
				Type:              "openai",
				Model:             "gpt-image-1-mini",
				CostClass:         domain.CostBudget,
				Quality:           0.7,
				MaxPixels:         4096 * 4096,
				RequestsPerSecond: 5,
			},
			{
				ID:                "openai",
				Type:              "openai",
				Model:             "gpt-image-1",
				CostClass:         domain.CostPremium,
				Quality:           0.9,
				MaxPixels:         4096 * 4096,
				RequestsPerSecond: 2,
			},
			{
				ID:        "bedrock",
				Type:      "bedrock",
				Model:     "stability.sd3-5-large-v1:0",
				CostClass: domain.CostBudget,
				Quality:   0.75,
				MaxPixels: 2048 * 2048,
			},
		},
		Tasks: map[domain.EditTask]TaskConfig{
			domain.TaskSimpleEnhance: {
				DefaultCostClass: domain.CostBudget,
				OnDeviceFallback: true,
				Providers:        []domain.ProviderID{"openai-mini", "bedrock", "openai", "local"},
			},
			domain.TaskCreativeEdit: {
				DefaultCostClass: domain.CostPremium,
				Providers:        []domain.ProviderID{"openai", "bedrock", "openai-mini"},
			},
			domain.TaskBackgroundRemoval: {
				DefaultCostClass: domain.CostBudget,
				Providers:        []domain.ProviderID{"openai-mini", "openai"},
			},
			domain.TaskCustomPrompt: {
				DefaultCostClass: domain.CostPremium,
				Providers:        []domain.ProviderID{"openai", "openai-mini"},
			},
		},
	}
}

// LoadRouting reads a YAML routing document. Sections missing from the file
// take their defaults; a providers or tasks section replaces the default one
// as a whole. An empty path returns DefaultRouting.
func LoadRouting(path string) (*Routing, error) {
	if path == "" {
		return DefaultRouting(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing config: %w", err)
	}

	r := &Routing{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}
	r.applyDefaults()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Routing) applyDefaults() {
	d := DefaultRouting()

	if r.Period == "" {
		r.Period = d.Period
	}
	if r.ProviderTimeout == 0 {
		r.ProviderTimeout = d.ProviderTimeout
	}
	if r.HighQualityThreshold == 0 {
		r.HighQualityThreshold = d.HighQualityThreshold
	}
	if r.MaxImagePixels == 0 {
		r.MaxImagePixels = d.MaxImagePixels
	}
	if r.Capacities == nil {
		r.Capacities = d.Capacities
	}
	for tier, c := range d.Capacities {
		if _, ok := r.Capacities[tier]; !ok {
			r.Capacities[tier] = c
		}
	}
	if r.ScoreWeights == (ScoreWeights{}) {
		r.ScoreWeights = d.ScoreWeights
	}
	if r.Providers == nil {
		r.Providers = d.Providers
	}
	if r.Tasks == nil {
		r.Tasks = d.Tasks
	}
}

func (r *Routing) Validate() error {
	var errs []error

	if r.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider_timeout must be positive, got %s", r.ProviderTimeout))
	}
	if r.HighQualityThreshold < 0 || r.HighQualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("high_quality_threshold must be within [0,1], got %v", r.HighQualityThreshold))
	}
	if r.MaxImagePixels < 0 {
		errs = append(errs, fmt.Errorf("max_image_pixels must be positive, got %d", r.MaxImagePixels))
	}

	for _, tier := range []domain.Tier{domain.TierFree, domain.TierPro} {
		c, ok := r.Capacities[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("capacities: missing tier %q", tier))
			continue
		}
		if c.Budget < 0 || c.Premium < 0 {
			errs = append(errs, fmt.Errorf("capacities: tier %q has negative capacity", tier))
		}
	}

	w := r.ScoreWeights
	if w.Sharpness < 0 || w.Exposure < 0 || w.Composition < 0 {
		errs = append(errs, errors.New("score_weights must be non-negative"))
	} else if w.Sharpness+w.Exposure+w.Composition == 0 {
		errs = append(errs, errors.New("score_weights must not all be zero"))
	}

	seen := make(map[string]bool, len(r.Providers))
	for _, p := range r.Providers {
		if p.ID == "" {
			errs = append(errs, errors.New("providers: entry without id"))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers: duplicate id %q", p.ID))
		}
		seen[p.ID] = true
		if _, err := domain.ParseCostClass(string(p.CostClass)); err != nil {
			errs = append(errs, fmt.Errorf("providers: %s: %w", p.ID, err))
		}
	}

	for task, tc := range r.Tasks {
		if _, err := domain.ParseEditTask(string(task)); err != nil {
			errs = append(errs, fmt.Errorf("tasks: %w", err))
		}
		if _, err := domain.ParseCostClass(string(tc.DefaultCostClass)); err != nil {
			errs = append(errs, fmt.Errorf("tasks: %s: %w", task, err))
		}
		for _, id := range tc.Providers {
			if !seen[string(id)] {
				errs = append(errs, fmt.Errorf("tasks: %s references unknown provider %q", task, id))
			}
		}
	}

	return errors.Join(errs...)
}

// Provider returns the registration for id.
func (r *Routing) Provider(id domain.ProviderID) (ProviderConfig, bool) {
	for _, p := range r.Providers {
		if p.ID == string(id) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
