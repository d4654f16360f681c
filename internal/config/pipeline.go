package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor kinds a stage can be bound to.
const (
	ExecutorBuiltin = "builtin"
	ExecutorHTTP    = "http"
)

// PipelineConfig is the content of the PIPELINE_CONFIG file.
type PipelineConfig struct {
	Gate    GateConfig               `yaml:"gate"`
	Stages  map[string]StageSettings `yaml:"stages"`
	Quality StageSettings            `yaml:"quality"`
}

// GateConfig tunes the quality gate and human review.
type GateConfig struct {
	ProceedThreshold float64       `yaml:"proceed_threshold"`
	ReviseThreshold  float64       `yaml:"revise_threshold"`
	MaxLoopbacks     int           `yaml:"max_loopbacks"`
	ApproveRoute     string        `yaml:"approve_route"`
	ReviewTimeout    time.Duration `yaml:"review_timeout"`
}

// StageSettings binds one stage (or the quality scorer) to an executor.
type StageSettings struct {
	Executor string            `yaml:"executor"`
	BaseURL  string            `yaml:"base_url"`
	Token    string            `yaml:"token"`
	Timeout  time.Duration     `yaml:"timeout"`
	Params   map[string]string `yaml:"params"`
}

// DefaultPipeline runs every stage on the builtin executors.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Gate: GateConfig{
			ProceedThreshold: 0.8,
			ReviseThreshold:  0.6,
			MaxLoopbacks:     3,
			ApproveRoute:     "revise",
		},
		Stages:  map[string]StageSettings{},
		Quality: StageSettings{Executor: ExecutorBuiltin},
	}
}

// LoadPipeline reads a YAML pipeline file. Fields it leaves out keep their
// defaults.
func LoadPipeline(path string) (*PipelineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config: %w", err)
	}
	cfg := DefaultPipeline()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config %s: %w", path, err)
	}
	if cfg.Stages == nil {
		cfg.Stages = map[string]StageSettings{}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline config %s: %w", path, err)
	}
	return &cfg, nil
}

// Stage returns the settings for a stage, defaulting to the builtin executor.
func (p PipelineConfig) Stage(name string) StageSettings {
	s, ok := p.Stages[name]
	if !ok || s.Executor == "" {
		s.Executor = ExecutorBuiltin
	}
	return s
}

func (p PipelineConfig) validate() error {
	g := p.Gate
	if g.ReviseThreshold < 0 || g.ProceedThreshold > 1 || g.ReviseThreshold > g.ProceedThreshold {
		return fmt.Errorf("gate thresholds must satisfy 0 <= revise <= proceed <= 1; got revise %.2f, proceed %.2f",
			g.ReviseThreshold, g.ProceedThreshold)
	}
	if g.MaxLoopbacks < 0 {
		return fmt.Errorf("max_loopbacks must not be negative, got %d", g.MaxLoopbacks)
	}
	if g.ApproveRoute != "proceed" && g.ApproveRoute != "revise" {
		return fmt.Errorf("approve_route must be proceed or revise, got %q", g.ApproveRoute)
	}
	if g.ReviewTimeout < 0 {
		return fmt.Errorf("review_timeout must not be negative, got %s", g.ReviewTimeout)
	}

	for name, s := range p.Stages {
		if err := s.validate(); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	if err := p.Quality.validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	return nil
}

func (s StageSettings) validate() error {
	switch s.Executor {
	case "", ExecutorBuiltin:
		return nil
	case ExecutorHTTP:
		if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
			return fmt.Errorf("base_url must start with http:// or https://, got %q", s.BaseURL)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("timeout must not be negative, got %s", s.Timeout)
		}
		return nil
	default:
		return fmt.Errorf("executor must be builtin or http, got %q", s.Executor)
	}
}
