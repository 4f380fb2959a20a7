package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// STEP HANDLERS
// =============================================================================

// StepOutcome is what a handler reports back on success.
type StepOutcome struct {
	RecordsProcessed int
	RecordsFailed    int
	Incidents        int
	Message          string
}

// StepFunc executes one step for one scope. The orchestrator owns the
// ledger transitions around the call; handlers only do the work.
type StepFunc func(ctx context.Context, scope etl.Scope) (StepOutcome, error)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options selects and shapes one run.
type Options struct {
	Year   int
	Month  time.Month // 0 = whole year
	Type   string     // "" = all types
	Only   []string
	Skip   []string
	DryRun bool
}

type Orchestrator struct {
	catalog  *Catalog
	ledger   *etl.Ledger
	handlers map[string]StepFunc
	workers  int

	// sleep is swappable so retry-delay tests don't wait wall-clock time.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(catalog *Catalog, ledger *etl.Ledger, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		catalog:  catalog,
		ledger:   ledger,
		handlers: make(map[string]StepFunc),
		workers:  workers,
		sleep:    sleepCtx,
	}
}

// Register binds a handler to a catalog step name. Every selected step
// must have a handler by run time.
func (o *Orchestrator) Register(name string, fn StepFunc) {
	o.handlers[name] = fn
}

// Run executes the selected steps of the catalog for the scope options.
// The returned report lists every selected step; the error is reserved for
// run-level failures (bad selection, missing handler), not step failures.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*etl.RunReport, error) {
	selected, err := o.catalog.Select(opts.Only, opts.Skip)
	if err != nil {
		return nil, err
	}
	report := &etl.RunReport{
		RunID:     uuid.NewString(),
		Year:      opts.Year,
		StartedAt: time.Now().UTC(),
		DryRun:    opts.DryRun,
	}

	if opts.DryRun {
		o.planOnly(ctx, opts, selected, report)
		report.FinishedAt = time.Now().UTC()
		return report, nil
	}

	for _, name := range o.catalog.Order() {
		if selected[name] {
			if _, ok := o.handlers[name]; !ok {
				return nil, fmt.Errorf("step %q has no registered handler", name)
			}
		}
	}

	o.execute(ctx, opts, selected, report)
	report.FinishedAt = time.Now().UTC()
	log.Printf("[Orchestrator] run %s finished: %s", report.RunID, exitWord(report.ExitCode()))
	return report, nil
}

// planOnly reports what a real run would do: execution order, exclusions,
// and the ledger state each step would act on. Nothing is claimed or
// invoked.
func (o *Orchestrator) planOnly(ctx context.Context, opts Options, selected map[string]bool, report *etl.RunReport) {
	for _, name := range o.catalog.Order() {
		step, _ := o.catalog.Step(name)
		if !selected[name] {
			report.Add(etl.StepResult{Name: name, Status: etl.StepSkipped, Message: "excluded from selection"})
			continue
		}
		scope := o.scopeFor(step, opts)
		message := "would schedule and claim (no ledger row yet)"
		if unit, err := o.ledger.Get(ctx, scope, step.Stage); err == nil {
			switch {
			case unit.Status == etl.StatusDone:
				message = "already done, claim would be a no-op"
			case unit.Terminal(o.ledger.MaxRetries()):
				message = fmt.Sprintf("in terminal error after %d retries, needs reset", unit.Retries)
			default:
				message = fmt.Sprintf("would claim (currently %s, %d retries)", unit.Status, unit.Retries)
			}
		}
		report.Add(etl.StepResult{Name: name, Status: etl.StepSkipped, Message: message})
	}
}

// =============================================================================
// SCHEDULING LOOP
// =============================================================================

type stepState int

const (
	stateWaiting stepState = iota
	stateRunning
	stateDone
	stateFailed
	stateSidelined
)

type completion struct {
	name   string
	result etl.StepResult
	failed bool
}

// execute dispatches ready steps to at most `workers` goroutines, applying
// on-error policies as completions come back. On abort-pipeline, already
// running independent branches finish; nothing new starts.
func (o *Orchestrator) execute(ctx context.Context, opts Options, selected map[string]bool, report *etl.RunReport) {
	states := make(map[string]stepState, len(o.catalog.Steps))
	for name := range selected {
		states[name] = stateWaiting
	}

	results := make(chan completion)
	running := 0
	aborted := false

	for {
		if !aborted {
			for _, name := range o.catalog.Order() {
				if running >= o.workers {
					break
				}
				if states[name] != stateWaiting || !o.depsSatisfied(name, selected, states) {
					continue
				}
				states[name] = stateRunning
				running++
				step, _ := o.catalog.Step(name)
				go func() {
					result, failed := o.runStep(ctx, step, opts)
					results <- completion{name: step.Name, result: result, failed: failed}
				}()
			}
		}
		if running == 0 {
			break
		}

		done := <-results
		running--
		report.Add(done.result)
		if !done.failed {
			states[done.name] = stateDone
			continue
		}
		states[done.name] = stateFailed

		step, _ := o.catalog.Step(done.name)
		switch step.OnError {
		case PolicyAbortPipeline:
			aborted = true
			log.Printf("[Orchestrator] %s failed, aborting pipeline (running branches finish)", done.name)
		case PolicySkipDownstream:
			for _, dep := range o.catalog.Dependents(done.name) {
				if selected[dep] && states[dep] == stateWaiting {
					states[dep] = stateSidelined
					report.Add(etl.StepResult{
						Name: dep, Status: etl.StepSkipped,
						Message: fmt.Sprintf("upstream step %s failed", done.name),
					})
				}
			}
		case PolicyContinue:
			log.Printf("[Orchestrator] %s failed, continuing", done.name)
		}
	}

	// Anything still waiting was starved by an abort or an unmet dependency.
	for _, name := range o.catalog.Order() {
		if selected[name] && states[name] == stateWaiting {
			report.Add(etl.StepResult{Name: name, Status: etl.StepSkipped, Message: "not scheduled"})
		}
	}
}

// depsSatisfied: a dependency is met when it is done, unselected (skipped
// by the operator), or failed under a continue policy.
func (o *Orchestrator) depsSatisfied(name string, selected map[string]bool, states map[string]stepState) bool {
	step, _ := o.catalog.Step(name)
	for _, dep := range step.DependsOn {
		if !selected[dep] {
			continue
		}
		switch states[dep] {
		case stateDone:
		case stateFailed:
			depSpec, _ := o.catalog.Step(dep)
			if depSpec.OnError != PolicyContinue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// =============================================================================
// SINGLE STEP EXECUTION
// =============================================================================

// runStep drives one step through the ledger: schedule, claim, invoke,
// complete. Failed attempts retry with the ledger's backoff until the
// unit goes terminal.
func (o *Orchestrator) runStep(ctx context.Context, step StepSpec, opts Options) (etl.StepResult, bool) {
	scope := o.scopeFor(step, opts)
	started := time.Now()

	fail := func(msg string) (etl.StepResult, bool) {
		return etl.StepResult{
			Name: step.Name, Status: etl.StepFailed,
			Duration: time.Since(started), Message: msg,
		}, true
	}

	if err := o.ledger.Schedule(ctx, scope, step.Stage); err != nil {
		return fail(fmt.Sprintf("scheduling %s: %v", scope, err))
	}

	for {
		unit, err := o.ledger.Claim(ctx, scope, step.Stage)
		if errors.Is(err, etl.ErrAlreadyRunning) {
			// No eligible work: done already, terminal, or held elsewhere.
			current, getErr := o.ledger.Get(ctx, scope, step.Stage)
			switch {
			case getErr == nil && current.Status == etl.StatusDone:
				return etl.StepResult{
					Name: step.Name, Status: etl.StepSuccess,
					Duration: time.Since(started), Message: "already complete",
				}, false
			case getErr == nil && current.Terminal(o.ledger.MaxRetries()):
				return fail(fmt.Sprintf("retries exhausted: %s", current.LastError))
			default:
				return etl.StepResult{
					Name: step.Name, Status: etl.StepSkipped,
					Duration: time.Since(started), Message: "claimed by another worker",
				}, false
			}
		}
		if err != nil {
			return fail(fmt.Sprintf("claiming %s: %v", scope, err))
		}

		outcome, runErr := o.handlers[step.Name](ctx, scope)
		if runErr == nil {
			if err := o.ledger.Complete(ctx, scope, step.Stage); err != nil {
				return fail(fmt.Sprintf("completing %s: %v", scope, err))
			}
			return etl.StepResult{
				Name: step.Name, Status: etl.StepSuccess,
				Duration: time.Since(started), Message: outcome.Message,
				RecordsProcessed: outcome.RecordsProcessed,
				RecordsFailed:    outcome.RecordsFailed,
				Incidents:        outcome.Incidents,
			}, false
		}
		if etl.IsSkip(runErr) {
			// Replay of applied work: mark the unit done, nothing happened.
			if err := o.ledger.Complete(ctx, scope, step.Stage); err != nil {
				return fail(fmt.Sprintf("completing %s: %v", scope, err))
			}
			return etl.StepResult{
				Name: step.Name, Status: etl.StepSuccess,
				Duration: time.Since(started), Message: runErr.Error(),
			}, false
		}

		log.Printf("[Orchestrator] %s %s attempt %d failed: %v", step.Name, scope, unit.Retries+1, runErr)
		failErr := o.ledger.Fail(ctx, scope, step.Stage, runErr.Error())
		if errors.Is(failErr, etl.ErrRetriesExhausted) {
			return fail(fmt.Sprintf("retries exhausted: %v", runErr))
		}
		if failErr != nil {
			return fail(fmt.Sprintf("recording failure for %s: %v", scope, failErr))
		}
		if err := o.sleep(ctx, o.ledger.RetryDelay(unit.Retries+1)); err != nil {
			return fail(fmt.Sprintf("cancelled while backing off: %v", err))
		}
	}
}

func (o *Orchestrator) scopeFor(step StepSpec, opts Options) etl.Scope {
	return etl.Scope{Entity: step.Entity, Year: opts.Year, Month: opts.Month, Type: opts.Type}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func exitWord(code etl.ExitCode) string {
	switch code {
	case etl.ExitSuccess:
		return "success"
	case etl.ExitWarning:
		return "warning"
	default:
		return "error"
	}
}
