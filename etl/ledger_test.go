package etl_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grantsync/etl-engine/etl"
	"github.com/grantsync/etl-engine/etl/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() *etl.Ledger {
	return etl.NewLedger(store.NewMemory(), etl.LedgerConfig{
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		RetryCap:   10 * time.Millisecond,
	})
}

func awardScope(year int, month time.Month) etl.Scope {
	return etl.Scope{Entity: "award", Year: year, Month: month}
}

// =============================================================================
// CLAIM EXCLUSIVITY
// =============================================================================

func TestClaim_ConcurrentWorkers_OnlyOneWins(t *testing.T) {
	// GIVEN: one pending unit and many workers racing to claim it
	// THEN: exactly one claim succeeds, the rest see ErrAlreadyRunning

	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.March)

	if err := ledger.Schedule(ctx, scope, etl.StageExtract); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, skips := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Claim(ctx, scope, etl.StageExtract)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, etl.ErrAlreadyRunning):
				skips++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winning claim, got %d", wins)
	}
	if skips != workers-1 {
		t.Errorf("expected %d skips, got %d", workers-1, skips)
	}
}

func TestClaim_IndependentScopes_DoNotContend(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	a := awardScope(2024, time.January)
	b := awardScope(2024, time.February)
	ledger.Schedule(ctx, a, etl.StageExtract)
	ledger.Schedule(ctx, b, etl.StageExtract)

	if _, err := ledger.Claim(ctx, a, etl.StageExtract); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := ledger.Claim(ctx, b, etl.StageExtract); err != nil {
		t.Fatalf("claim b should not contend with a: %v", err)
	}
}

func TestClaim_UnknownScope_NothingEligible(t *testing.T) {
	ledger := newTestLedger()
	_, err := ledger.Claim(context.Background(), awardScope(1999, 0), etl.StageExtract)
	if !errors.Is(err, etl.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_ClaimCompleteClaim_SecondClaimSkips(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.March)
	ledger.Schedule(ctx, scope, etl.StageLoad)

	if _, err := ledger.Claim(ctx, scope, etl.StageLoad); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Complete(ctx, scope, etl.StageLoad); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Done units are not claim-eligible.
	_, err := ledger.Claim(ctx, scope, etl.StageLoad)
	if !errors.Is(err, etl.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning for done unit, got %v", err)
	}

	unit, _ := ledger.Get(ctx, scope, etl.StageLoad)
	if unit.Status != etl.StatusDone {
		t.Errorf("expected done, got %s", unit.Status)
	}
	if unit.FinishedAt == nil {
		t.Error("finished_at should be set after Complete")
	}
}

func TestComplete_NotRunning_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.March)
	ledger.Schedule(ctx, scope, etl.StageLoad)

	err := ledger.Complete(ctx, scope, etl.StageLoad)
	if !errors.Is(err, etl.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if !etl.IsFatal(err) {
		t.Error("invalid transition must classify as fatal")
	}
}

// =============================================================================
// RETRY BOUNDS
// =============================================================================

func TestFail_RetriesNeverExceedMaximum(t *testing.T) {
	// GIVEN: a unit that fails on every attempt
	// THEN: after MaxRetries failures it stays in error and is no longer
	//       claim-eligible, and Fail reports exhaustion

	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.April)
	ledger.Schedule(ctx, scope, etl.StageExtract)

	for attempt := 1; attempt <= ledger.MaxRetries(); attempt++ {
		if _, err := ledger.Claim(ctx, scope, etl.StageExtract); err != nil {
			t.Fatalf("attempt %d claim: %v", attempt, err)
		}
		err := ledger.Fail(ctx, scope, etl.StageExtract, "upstream timeout")
		if attempt < ledger.MaxRetries() && err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
		if attempt == ledger.MaxRetries() && !errors.Is(err, etl.ErrRetriesExhausted) {
			t.Errorf("final failure should report exhaustion, got %v", err)
		}
	}

	_, err := ledger.Claim(ctx, scope, etl.StageExtract)
	if !errors.Is(err, etl.ErrAlreadyRunning) {
		t.Errorf("terminal unit must not be claimable, got %v", err)
	}

	unit, _ := ledger.Get(ctx, scope, etl.StageExtract)
	if unit.Retries != ledger.MaxRetries() {
		t.Errorf("retries = %d, want %d", unit.Retries, ledger.MaxRetries())
	}
	if unit.LastError != "upstream timeout" {
		t.Errorf("last error = %q", unit.LastError)
	}
}

func TestReset_TerminalUnit_BecomesClaimable(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.May)
	ledger.Schedule(ctx, scope, etl.StageExtract)

	for i := 0; i < ledger.MaxRetries(); i++ {
		ledger.Claim(ctx, scope, etl.StageExtract)
		ledger.Fail(ctx, scope, etl.StageExtract, "boom")
	}

	if err := ledger.Reset(ctx, scope, etl.StageExtract); err != nil {
		t.Fatalf("reset: %v", err)
	}
	unit, err := ledger.Claim(ctx, scope, etl.StageExtract)
	if err != nil {
		t.Fatalf("claim after reset: %v", err)
	}
	if unit.Retries != 0 {
		t.Errorf("retries should be cleared by reset, got %d", unit.Retries)
	}
}

func TestReset_DoneUnit_BecomesClaimable(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	scope := awardScope(2024, time.June)
	ledger.Schedule(ctx, scope, etl.StageSync)

	if _, err := ledger.Claim(ctx, scope, etl.StageSync); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Complete(ctx, scope, etl.StageSync); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A recurring stage re-arms its finished unit for the next cycle.
	if err := ledger.Reset(ctx, scope, etl.StageSync); err != nil {
		t.Fatalf("reset done unit: %v", err)
	}
	if _, err := ledger.Claim(ctx, scope, etl.StageSync); err != nil {
		t.Fatalf("claim after reset: %v", err)
	}
}

func TestRetryDelay_BoundedAndJittered(t *testing.T) {
	ledger := etl.NewLedger(store.NewMemory(), etl.LedgerConfig{
		MaxRetries: 5,
		RetryBase:  time.Second,
		RetryCap:   4 * time.Second,
	})

	if d := ledger.RetryDelay(0); d != 0 {
		t.Errorf("no delay expected before first retry, got %v", d)
	}
	for retries := 1; retries <= 10; retries++ {
		for i := 0; i < 50; i++ {
			d := ledger.RetryDelay(retries)
			if d < 0 || d > 4*time.Second {
				t.Fatalf("delay out of bounds at retries=%d: %v", retries, d)
			}
		}
	}
}

// =============================================================================
// RUN REPORT
// =============================================================================

func TestRunReport_ExitCodes(t *testing.T) {
	report := &etl.RunReport{RunID: "r1", Year: 2024}
	report.Add(etl.StepResult{Name: "extract_awards", Status: etl.StepSuccess})
	if report.ExitCode() != etl.ExitSuccess {
		t.Errorf("all-success run should exit 0")
	}

	report.Add(etl.StepResult{Name: "load_awards", Status: etl.StepSkipped})
	if report.ExitCode() != etl.ExitWarning {
		t.Errorf("skipped steps should exit with warning")
	}

	report.Add(etl.StepResult{Name: "sync", Status: etl.StepFailed, Message: "batch rolled back"})
	if report.ExitCode() != etl.ExitError {
		t.Errorf("failed steps should exit with error")
	}

	ok, failed, skipped := report.Counts()
	if ok != 1 || failed != 1 || skipped != 1 {
		t.Errorf("counts = (%d,%d,%d), want (1,1,1)", ok, failed, skipped)
	}
}
