package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeSource serves a fixed number of pages and records every request, with
// optional injected failures per page.
type fakeSource struct {
	mu       sync.Mutex
	pages    int
	perPage  int
	requests []string // cursors requested, in order
	failOn   map[string]int
}

func (f *fakeSource) FetchPage(_ context.Context, scope etl.Scope, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, cursor)
	if n := f.failOn[cursor]; n > 0 {
		f.failOn[cursor] = n - 1
		return Page{}, &etl.TransientUpstreamError{Scope: scope, Cause: errors.New("injected")}
	}

	page := 0
	if cursor != "" {
		page, _ = strconv.Atoi(cursor)
	}
	if page >= f.pages {
		return Page{}, nil
	}

	records := make([]etl.RawRecord, f.perPage)
	for i := range records {
		records[i] = etl.RawRecord{"id": fmt.Sprintf("%d-%d", page, i)}
	}
	return Page{
		Records: records,
		Cursor:  strconv.Itoa(page + 1),
		More:    page+1 < f.pages,
	}, nil
}

func fastConfig() Config {
	return Config{
		Workers:             2,
		RequestsPerSecond:   10000,
		Burst:               100,
		MaxConsecutiveFails: 3,
		BackoffBase:         time.Millisecond,
		BackoffCap:          2 * time.Millisecond,
	}
}

func marchAwards() etl.Scope {
	return etl.Scope{Entity: "award", Year: 2024, Month: time.March}
}

// =============================================================================
// EXTRACTION
// =============================================================================

func TestExtractScope_AllPagesWritten(t *testing.T) {
	source := &fakeSource{pages: 3, perPage: 5}
	store, err := OpenArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	result, err := New(source, store, fastConfig()).ExtractScope(context.Background(), marchAwards())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Pages != 3 || result.Records != 15 {
		t.Errorf("result = %+v, want 3 pages / 15 records", result)
	}

	records, err := store.ReadScope(marchAwards())
	if err != nil {
		t.Fatalf("read scope: %v", err)
	}
	if len(records) != 15 {
		t.Errorf("read back %d records, want 15", len(records))
	}
	if got := store.CompletedScopes(); len(got) != 1 {
		t.Errorf("completed scopes = %v", got)
	}
}

func TestExtractScope_RestartDoesNotRefetchWrittenPages(t *testing.T) {
	// GIVEN: a run that durably wrote 2 of 4 pages before dying
	// WHEN: a fresh extractor (new process) reopens the same artifact dir
	// THEN: it resumes from the cursor after page 2, never re-requesting
	//       pages 0 and 1

	dir := t.TempDir()
	scope := marchAwards()

	// First run: fail hard at the third page to simulate a crash.
	first := &fakeSource{pages: 4, perPage: 2, failOn: map[string]int{"2": 99}}
	store, _ := OpenArtifactStore(dir)
	_, err := New(first, store, fastConfig()).ExtractScope(context.Background(), scope)
	if !errors.Is(err, etl.ErrTransientUpstream) {
		t.Fatalf("expected escalated transient error, got %v", err)
	}

	// Second run: same directory, fresh manifest load.
	second := &fakeSource{pages: 4, perPage: 2}
	store2, err := OpenArtifactStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	result, err := New(second, store2, fastConfig()).ExtractScope(context.Background(), scope)
	if err != nil {
		t.Fatalf("resume extract: %v", err)
	}
	if !result.Resumed {
		t.Error("second run should report resumption")
	}

	for _, cursor := range second.requests {
		if cursor == "" || cursor == "1" {
			t.Errorf("page for cursor %q was re-requested after durable write", cursor)
		}
	}

	records, _ := store2.ReadScope(scope)
	if len(records) != 8 {
		t.Errorf("total records after resume = %d, want 8", len(records))
	}
}

func TestExtractScope_CompleteScopeIsNoOp(t *testing.T) {
	dir := t.TempDir()
	scope := marchAwards()

	source := &fakeSource{pages: 2, perPage: 1}
	store, _ := OpenArtifactStore(dir)
	extractor := New(source, store, fastConfig())
	if _, err := extractor.ExtractScope(context.Background(), scope); err != nil {
		t.Fatalf("first extract: %v", err)
	}

	before := len(source.requests)
	if _, err := extractor.ExtractScope(context.Background(), scope); err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if len(source.requests) != before {
		t.Error("complete scope must not hit the source again")
	}
}

func TestExtractScope_TransientFailuresBackOffThenRecover(t *testing.T) {
	source := &fakeSource{pages: 2, perPage: 1, failOn: map[string]int{"": 2}}
	store, _ := OpenArtifactStore(t.TempDir())

	result, err := New(source, store, fastConfig()).ExtractScope(context.Background(), marchAwards())
	if err != nil {
		t.Fatalf("extract should recover within the failure cap: %v", err)
	}
	if result.Records != 2 {
		t.Errorf("records = %d, want 2", result.Records)
	}
}

func TestExtractScope_ConsecutiveFailuresEscalate(t *testing.T) {
	source := &fakeSource{pages: 2, perPage: 1, failOn: map[string]int{"": 99}}
	store, _ := OpenArtifactStore(t.TempDir())

	_, err := New(source, store, fastConfig()).ExtractScope(context.Background(), marchAwards())
	if !errors.Is(err, etl.ErrTransientUpstream) {
		t.Fatalf("expected escalation after failure cap, got %v", err)
	}
	if !etl.IsRetryable(err) {
		t.Error("escalated error must stay retryable for the ledger")
	}
}

func TestExtractAll_IndependentScopesRunConcurrently(t *testing.T) {
	source := &fakeSource{pages: 1, perPage: 3}
	store, _ := OpenArtifactStore(t.TempDir())

	scopes := []etl.Scope{
		{Entity: "award", Year: 2024, Month: time.January},
		{Entity: "award", Year: 2024, Month: time.February},
		{Entity: "call", Year: 2024, Type: "C"},
	}
	results, err := New(source, store, fastConfig()).ExtractAll(context.Background(), scopes)
	if err != nil {
		t.Fatalf("extract all: %v", err)
	}
	for _, r := range results {
		if r.Records != 3 {
			t.Errorf("scope %s records = %d, want 3", r.Scope, r.Records)
		}
	}
	if got := len(store.CompletedScopes()); got != 3 {
		t.Errorf("completed scopes = %d, want 3", got)
	}
}

// =============================================================================
// CSV SOURCE
// =============================================================================

func TestCSVSource_HeaderKeysRows(t *testing.T) {
	csv := "id,descripcion\n1,Subvención directa\n2,Préstamo\n"
	source := &CSVSource{
		Open: func(context.Context, etl.Scope) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(csv)), nil
		},
	}

	page, err := source.FetchPage(context.Background(), etl.Scope{Entity: "instrument", Year: 2024}, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Records) != 2 || page.More {
		t.Fatalf("page = %+v", page)
	}
	if page.Records[0]["descripcion"] != "Subvención directa" {
		t.Errorf("record = %v", page.Records[0])
	}

	// Second page request ends the stream.
	next, err := source.FetchPage(context.Background(), etl.Scope{Entity: "instrument", Year: 2024}, page.Cursor)
	if err != nil || len(next.Records) != 0 {
		t.Errorf("cursor page should be empty, got %+v err %v", next, err)
	}
}
