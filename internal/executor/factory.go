// Package executor binds pipeline stages to executors according to the
// pipeline config.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/derril-tech/researchflow/internal/config"
	"github.com/derril-tech/researchflow/internal/executor/builtin"
	"github.com/derril-tech/researchflow/internal/executor/remote"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
)

// Pipeline is everything the engine needs from the pipeline config.
type Pipeline struct {
	Registry      workflow.Registry
	Policy        workflow.GatePolicy
	ReviewTimeout time.Duration
	remotes       map[string]*remote.Client
}

// Build constructs the stage registry and gate policy. Called once at
// server startup.
func Build(p config.PipelineConfig) (*Pipeline, error) {
	known := make(map[string]bool)
	for _, s := range workflow.ExecutableStages() {
		known[string(s)] = true
	}
	for name := range p.Stages {
		if !known[name] {
			return nil, fmt.Errorf("unknown stage %q in pipeline config", name)
		}
	}

	out := &Pipeline{
		Registry: workflow.Registry{
			Executors: make(map[models.Stage]workflow.Executor),
			Configs:   make(map[models.Stage]workflow.StageConfig),
		},
		Policy:        GatePolicy(p.Gate),
		ReviewTimeout: p.Gate.ReviewTimeout,
		remotes:       make(map[string]*remote.Client),
	}

	for _, stage := range workflow.ExecutableStages() {
		settings := p.Stage(string(stage))
		exec, err := out.bind(stage, settings)
		if err != nil {
			return nil, err
		}
		out.Registry.Executors[stage] = exec
		out.Registry.Configs[stage] = workflow.StageConfig{Timeout: settings.Timeout, Params: settings.Params}
	}

	switch p.Quality.Executor {
	case "", config.ExecutorBuiltin:
		out.Registry.Scorer = builtin.Scorer{}
	case config.ExecutorHTTP:
		out.Registry.Scorer = out.client(p.Quality)
	default:
		return nil, fmt.Errorf("unknown quality executor %q: must be one of builtin, http", p.Quality.Executor)
	}
	out.Registry.Configs[models.StageReviewGate] = workflow.StageConfig{Timeout: p.Quality.Timeout, Params: p.Quality.Params}

	if err := out.Registry.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) bind(stage models.Stage, s config.StageSettings) (workflow.Executor, error) {
	switch s.Executor {
	case "", config.ExecutorBuiltin:
		return builtin.ForStage(stage)
	case config.ExecutorHTTP:
		return p.client(s), nil
	default:
		return nil, fmt.Errorf("unknown executor %q for stage %s: must be one of builtin, http", s.Executor, stage)
	}
}

// client returns one remote client per endpoint and credential.
func (p *Pipeline) client(s config.StageSettings) *remote.Client {
	key := s.BaseURL + "\x00" + s.Token + "\x00" + s.Timeout.String()
	if c, ok := p.remotes[key]; ok {
		return c
	}
	c := remote.NewClient(s.BaseURL, s.Token, s.Timeout)
	p.remotes[key] = c
	return c
}

// Remotes returns the distinct remote endpoints in use, sorted.
func (p *Pipeline) Remotes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range p.remotes {
		if !seen[c.BaseURL()] {
			seen[c.BaseURL()] = true
			out = append(out, c.BaseURL())
		}
	}
	sort.Strings(out)
	return out
}

// Ready checks every remote executor endpoint. Builtin-only pipelines are
// always ready.
func (p *Pipeline) Ready(ctx context.Context) error {
	checked := make(map[string]bool)
	for _, c := range p.remotes {
		if checked[c.BaseURL()] {
			continue
		}
		checked[c.BaseURL()] = true
		if err := c.Ready(ctx); err != nil {
			return fmt.Errorf("executor %s: %w", c.BaseURL(), err)
		}
	}
	return nil
}

// GatePolicy converts the gate section of the pipeline config.
func GatePolicy(g config.GateConfig) workflow.GatePolicy {
	route := workflow.RouteRevise
	if g.ApproveRoute == string(workflow.RouteProceed) {
		route = workflow.RouteProceed
	}
	return workflow.GatePolicy{
		ProceedThreshold: g.ProceedThreshold,
		ReviseThreshold:  g.ReviseThreshold,
		MaxLoopbacks:     g.MaxLoopbacks,
		ApproveRoute:     route,
	}
}
