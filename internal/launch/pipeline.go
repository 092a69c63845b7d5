// Package launch prepares the host for the supervisor daemon and hands
// off to it: stale instances recorded in pidfiles are terminated after
// an identity check, the virtualenv environment is activated,
// directories are created and the daemon is spawned detached. The same
// step pipeline drives provisioning. Steps run in order and the first
// failure aborts the rest.
package launch

import (
	"context"
	"log/slog"
	"time"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome for operator output.
type StepResult struct {
	Name     string
	Status   StepStatus
	Detail   string
	Err      error
	Duration time.Duration
}

// Step is one unit of pipeline work. Run returns a short human detail
// line; a non-nil error fails the pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Pipeline executes steps in order, fail-fast.
type Pipeline struct {
	log   *slog.Logger
	steps []Step
}

// NewPipeline builds a pipeline over the given steps.
func NewPipeline(log *slog.Logger, steps ...Step) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{log: log, steps: steps}
}

// Run executes every step until one fails. The returned results cover
// all steps: executed ones with their outcome, the rest marked
// skipped. The error is the failing step's, wrapped by name in the
// result.
func (p *Pipeline) Run(ctx context.Context) ([]StepResult, error) {
	results := make([]StepResult, 0, len(p.steps))
	var failed error
	for _, s := range p.steps {
		if failed != nil {
			results = append(results, StepResult{Name: s.Name, Status: StepSkipped})
			continue
		}
		p.log.Info("step started", "step", s.Name)
		begin := time.Now()
		detail, err := s.Run(ctx)
		res := StepResult{
			Name:     s.Name,
			Status:   StepOK,
			Detail:   detail,
			Duration: time.Since(begin),
		}
		if err != nil {
			res.Status = StepFailed
			res.Err = err
			failed = err
			p.log.Error("step failed", "step", s.Name, "error", err)
		} else {
			p.log.Info("step done", "step", s.Name, "detail", detail, "elapsed", res.Duration)
		}
		results = append(results, res)
	}
	return results, failed
}
