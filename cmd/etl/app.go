/*
app.go - Component wiring and pipeline step handlers

PURPOSE:
  Builds the engine from its parts (store, artifact directory, extractor,
  transformer, loader, aggregator) and registers one handler per catalog
  step. Handlers are routed by the step's declared stage; the entity switch
  lives inside the transform/load handlers.

STAGING:
  Transform output is staged in memory between the transform and load steps
  of one run. A load step that finds no staged output (for example a run
  restricted with -only) re-reads the raw artifacts and transforms them on
  the spot; transformation is deterministic, so both paths load the same
  rows.
*/
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/extract"
	"github.com/grantsync/etl-engine/grants"
	"github.com/grantsync/etl-engine/load"
	"github.com/grantsync/etl-engine/pipeline"
	"github.com/grantsync/etl-engine/reconcile"
	"github.com/grantsync/etl-engine/stats"
	"github.com/grantsync/etl-engine/store/sqlite"
	"github.com/grantsync/etl-engine/transform"
)

type app struct {
	store       *sqlite.Store
	artifacts   *extract.ArtifactStore
	extractor   *extract.Extractor
	transformer *transform.Transformer
	loader      *load.Loader
	aggregator  *stats.Aggregator
	reconciler  *reconcile.Reconciler

	mu     sync.Mutex
	staged map[string]any // scope key -> transform output awaiting load
}

func newApp(store *sqlite.Store, ledger *etl.Ledger, artifactDir, sourceURL, changesetDir string) (*app, error) {
	artifacts, err := extract.OpenArtifactStore(artifactDir)
	if err != nil {
		return nil, err
	}

	aggregator := stats.New(store, store)
	transformer := transform.New(transform.DefaultConfig())
	return &app{
		store:       store,
		artifacts:   artifacts,
		extractor:   extract.New(extract.NewHTTPSource(sourceURL), artifacts, extract.DefaultConfig()),
		transformer: transformer,
		loader:      load.New(store, store, aggregator, "etl_system"),
		aggregator:  aggregator,
		reconciler: reconcile.New(
			reconcile.DefaultConfig(changesetDir),
			reconcile.NewHTTPSource(sourceURL),
			store, store,
			transformer,
			load.New(store, store, aggregator, "sync_system"),
			store,
			ledger,
		),
		staged: map[string]any{},
	}, nil
}

// registerSteps binds every catalog step to a handler by stage.
func (a *app) registerSteps(o *pipeline.Orchestrator, catalog *pipeline.Catalog) error {
	for _, step := range catalog.Steps {
		switch step.Stage {
		case etl.StageExtract:
			o.Register(step.Name, a.extractStep)
		case etl.StageTransform:
			o.Register(step.Name, a.transformStep)
		case etl.StageLoad:
			o.Register(step.Name, a.loadStep)
		case etl.StageSync:
			o.Register(step.Name, a.syncStep)
		default:
			return fmt.Errorf("step %q: no handler for stage %q", step.Name, step.Stage)
		}
	}
	return nil
}

// =============================================================================
// STEP HANDLERS
// =============================================================================

func (a *app) extractStep(ctx context.Context, scope etl.Scope) (pipeline.StepOutcome, error) {
	result, err := a.extractor.ExtractScope(ctx, scope)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	return pipeline.StepOutcome{
		RecordsProcessed: result.Records,
		Message:          fmt.Sprintf("%d pages on disk", result.Pages),
	}, nil
}

func (a *app) transformStep(ctx context.Context, scope etl.Scope) (pipeline.StepOutcome, error) {
	output, outcome, err := a.transformScope(ctx, scope)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	a.stash(scope, output)
	return outcome, nil
}

func (a *app) loadStep(ctx context.Context, scope etl.Scope) (pipeline.StepOutcome, error) {
	output, ok := a.take(scope)
	if !ok {
		var err error
		if output, _, err = a.transformScope(ctx, scope); err != nil {
			return pipeline.StepOutcome{}, err
		}
	}

	switch scope.Entity {
	case grants.EntityAward:
		out := output.(transform.AwardOutput)
		n, err := a.loader.LoadAwards(ctx, scope.Entity, out)
		if err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: n, RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	case grants.EntityBeneficiary:
		out := output.(transform.BeneficiaryOutput)
		n, err := a.loader.LoadBeneficiaries(ctx, out)
		if err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: n, RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	case grants.EntityAuthority:
		out := output.(transform.AuthorityOutput)
		if err := a.loadCatalog(ctx, out.Incidents, func() error {
			return a.store.UpsertAuthorities(ctx, out.Authorities)
		}); err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: len(out.Authorities), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	case grants.EntityInstrument:
		out := output.(transform.InstrumentOutput)
		if err := a.loadCatalog(ctx, out.Incidents, func() error {
			return a.store.UpsertInstruments(ctx, out.Instruments)
		}); err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: len(out.Instruments), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	case grants.EntityCall:
		out := output.(transform.CallOutput)
		if err := a.loadCatalog(ctx, out.Incidents, func() error {
			return a.store.UpsertCalls(ctx, out.Calls)
		}); err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: len(out.Calls), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	case grants.EntityAidProgram:
		out := output.(transform.AidProgramOutput)
		if err := a.loadCatalog(ctx, out.Incidents, func() error {
			return a.store.UpsertAidPrograms(ctx, out.Programs)
		}); err != nil {
			return pipeline.StepOutcome{}, err
		}
		return pipeline.StepOutcome{RecordsProcessed: len(out.Programs), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil

	default:
		return pipeline.StepOutcome{}, fmt.Errorf("no load handler for entity %q", scope.Entity)
	}
}

// syncStep runs one reconciliation cycle. The reconciler holds its own
// per-entity ledger unit while applying, so a cycle racing another applier
// surfaces as a skip rather than a failure.
func (a *app) syncStep(ctx context.Context, _ etl.Scope) (pipeline.StepOutcome, error) {
	cs, err := a.reconciler.Run(ctx)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	return pipeline.StepOutcome{
		RecordsProcessed: len(cs.Added) + len(cs.Modified) + len(cs.Removed),
		Message: fmt.Sprintf("%d added, %d modified, %d removed",
			len(cs.Added), len(cs.Modified), len(cs.Removed)),
	}, nil
}

// transformScope reads a scope's raw artifacts and runs the entity's
// transformation. Used by the transform step and, when nothing is staged,
// by the load step.
func (a *app) transformScope(ctx context.Context, scope etl.Scope) (any, pipeline.StepOutcome, error) {
	raw, err := a.artifacts.ReadScope(scope)
	if err != nil {
		return nil, pipeline.StepOutcome{}, err
	}
	lookups, err := transform.LoadLookups(ctx, a.store)
	if err != nil {
		return nil, pipeline.StepOutcome{}, err
	}

	switch scope.Entity {
	case grants.EntityAward:
		out := a.transformer.TransformAwards(raw, lookups)
		total := 0
		for _, batch := range out.Batches {
			total += len(batch)
		}
		return out, pipeline.StepOutcome{RecordsProcessed: total, RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	case grants.EntityBeneficiary:
		out := a.transformer.TransformBeneficiaries(raw)
		return out, pipeline.StepOutcome{RecordsProcessed: len(out.Upserts), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	case grants.EntityAuthority:
		out := a.transformer.TransformAuthorities(raw)
		return out, pipeline.StepOutcome{RecordsProcessed: len(out.Authorities), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	case grants.EntityInstrument:
		out := a.transformer.TransformInstruments(raw)
		return out, pipeline.StepOutcome{RecordsProcessed: len(out.Instruments), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	case grants.EntityCall:
		out := a.transformer.TransformCalls(raw, lookups)
		return out, pipeline.StepOutcome{RecordsProcessed: len(out.Calls), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	case grants.EntityAidProgram:
		out := a.transformer.TransformAidPrograms(raw, lookups)
		return out, pipeline.StepOutcome{RecordsProcessed: len(out.Programs), RecordsFailed: out.Dropped, Incidents: len(out.Incidents)}, nil
	default:
		return nil, pipeline.StepOutcome{}, fmt.Errorf("no transform handler for entity %q", scope.Entity)
	}
}

// loadCatalog records a catalog's incidents, then runs the upsert. Catalog
// entities bypass the award loader; their incidents still land in the same
// log.
func (a *app) loadCatalog(ctx context.Context, incidents []etl.Incident, upsert func() error) error {
	if len(incidents) > 0 {
		if err := a.store.RecordIncidents(ctx, incidents); err != nil {
			return err
		}
	}
	return upsert()
}

func (a *app) stash(scope etl.Scope, output any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staged[scope.Key()] = output
}

func (a *app) take(scope etl.Scope) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	output, ok := a.staged[scope.Key()]
	if ok {
		delete(a.staged, scope.Key())
	}
	return output, ok
}
