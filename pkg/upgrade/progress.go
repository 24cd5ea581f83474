package upgrade

import (
	"fmt"
	"sync"
)

// Step is one weighted stage of an upgrade.
type Step struct {
	Name string
	// Weight is the step's share of the overall progress, at least 1.
	Weight int
	// Progress is in percent, 0 to 100.
	Progress int
	// Operation is what the camera last said it was doing, if known.
	Operation string
}

// Report is a snapshot of upgrade progress.
type Report struct {
	Status   string
	Progress int
	Steps    []Step
}

// Progress tracks the steps of one upgrade attempt. The aggregate is
// computed on every Report.
type Progress struct {
	mu      sync.Mutex
	steps   []Step
	current string
}

// NewProgress creates a tracker for the given steps, all at 0%. Weights below
// 1 are raised to 1.
func NewProgress(steps ...Step) *Progress {
	p := &Progress{steps: make([]Step, len(steps))}
	for i, s := range steps {
		p.steps[i] = Step{Name: s.Name, Weight: max(s.Weight, 1)}
	}
	return p
}

// Set updates a step's progress. Progress is clamped to 0..100 and never
// goes backwards within a step.
func (p *Progress) Set(name string, percent int, operation string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.steps {
		s := &p.steps[i]
		if s.Name != name {
			continue
		}
		percent = min(max(percent, 0), 100)
		if percent > s.Progress {
			s.Progress = percent
		}
		if operation != "" {
			s.Operation = operation
		}
		p.current = name
		return nil
	}
	return fmt.Errorf("no upgrade step %q", name)
}

// Report returns the current progress. If status is empty, the last updated
// step is reported as the status.
func (p *Progress) Report(status string) Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == "" {
		status = p.current
	}
	r := Report{
		Status: status,
		Steps:  make([]Step, len(p.steps)),
	}
	copy(r.Steps, p.steps)

	var num, den int
	for _, s := range p.steps {
		num += s.Weight * s.Progress
		den += s.Weight
	}
	if den > 0 {
		// Integer ceiling of num/den.
		r.Progress = (num + den - 1) / den
	}
	return r
}
