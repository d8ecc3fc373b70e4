package sandbox

import (
	"fmt"
	"time"
)

// Phase represents a stage in bringing a sandbox up.
type Phase string

const (
	PhaseInspecting Phase = "inspecting"
	PhaseCreating   Phase = "creating"
	PhaseStarting   Phase = "starting"
	PhaseReady      Phase = "ready"
)

// ProgressCallback reports progress during lifecycle operations.
type ProgressCallback func(phase Phase, message string)

// ProgressReporter manages progress callbacks. A nil reporter drops updates.
type ProgressReporter struct {
	callback ProgressCallback
}

// NewProgressReporter creates a progress reporter
func NewProgressReporter(cb ProgressCallback) *ProgressReporter {
	return &ProgressReporter{callback: cb}
}

// Report sends a progress update
func (p *ProgressReporter) Report(phase Phase, message string) {
	if p != nil && p.callback != nil {
		p.callback(phase, message)
	}
}

// ReportWithDuration reports progress with elapsed time
func (p *ProgressReporter) ReportWithDuration(phase Phase, message string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		message = fmt.Sprintf("%s (%ds)", message, int(elapsed.Seconds()))
	}
	p.Report(phase, message)
}

// WithProgress wraps an operation with progress reporting
func (p *ProgressReporter) WithProgress(phase Phase, message string, fn func() error) error {
	start := time.Now()
	p.Report(phase, message)

	if err := fn(); err != nil {
		p.Report(phase, fmt.Sprintf("%s: failed", message))
		return err
	}

	p.ReportWithDuration(phase, fmt.Sprintf("%s: done", message), start)
	return nil
}
