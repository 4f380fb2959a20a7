package etl

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RUN REPORT - Structured result of one pipeline run
// =============================================================================

// ExitCode is the process-level outcome of a run.
type ExitCode int

const (
	ExitSuccess ExitCode = 0 // everything processed
	ExitWarning ExitCode = 1 // completed with incidents or skipped steps
	ExitError   ExitCode = 2 // a required step ended in terminal error
)

// StepStatus is the final state of one orchestrated step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome for the run report.
type StepResult struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Message  string

	RecordsProcessed int
	RecordsFailed    int
	Incidents        int
}

// RunReport lists every step's final status for one pipeline run.
// Partial failure of one scope never hides sibling scopes: every attempted
// step appears here.
type RunReport struct {
	RunID      string
	Year       int
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Steps      []StepResult
}

func (r *RunReport) Add(result StepResult) {
	r.Steps = append(r.Steps, result)
}

// Counts returns (succeeded, failed, skipped).
func (r *RunReport) Counts() (int, int, int) {
	var ok, failed, skipped int
	for _, s := range r.Steps {
		switch s.Status {
		case StepSuccess:
			ok++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return ok, failed, skipped
}

// ExitCode maps the report to a process exit code.
func (r *RunReport) ExitCode() ExitCode {
	_, failed, skipped := r.Counts()
	switch {
	case failed > 0:
		return ExitError
	case skipped > 0 && !r.DryRun:
		return ExitWarning
	default:
		return ExitSuccess
	}
}

// Summary renders the human-readable run summary printed at the end of a run.
func (r *RunReport) Summary() string {
	ok, failed, skipped := r.Counts()
	var b strings.Builder
	sep := strings.Repeat("=", 60)
	fmt.Fprintf(&b, "%s\nRUN %s, year %d\n%s\n", sep, r.RunID, r.Year, sep)
	fmt.Fprintf(&b, "Total:     %d steps\n", len(r.Steps))
	fmt.Fprintf(&b, "Succeeded: %d\n", ok)
	fmt.Fprintf(&b, "Failed:    %d\n", failed)
	fmt.Fprintf(&b, "Skipped:   %d\n", skipped)
	fmt.Fprintf(&b, "Duration:  %.1fs\n", r.FinishedAt.Sub(r.StartedAt).Seconds())
	if failed > 0 {
		b.WriteString("\nFailed steps:\n")
		for _, s := range r.Steps {
			if s.Status == StepFailed {
				fmt.Fprintf(&b, "  - %s: %s\n", s.Name, s.Message)
			}
		}
	}
	b.WriteString(sep)
	return b.String()
}
