/*
Package extract pulls raw records from the upstream registry into partitioned
artifact files.

PURPOSE:
  One extraction processes one (entity, year, month?, type?) scope: it walks
  the upstream pagination cursor, writes each durably received page as a raw
  artifact, and records progress in a manifest so a restarted run never
  re-requests pages it already wrote. Independent scopes extract concurrently
  under a bounded worker pool; a shared token bucket paces upstream requests.

RESUMABILITY CONTRACT:
  Progress is determined from the persisted artifact manifest, never
  re-derived from the job ledger: the ledger knows a scope failed, the
  manifest knows which pages survived.

SEE ALSO:
  - extractor.go: worker pool, pacing, backoff
  - artifact.go: artifact files and the manifest
*/
package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// SOURCE - Upstream pagination interface
// =============================================================================

// Page is one upstream page of raw records. Cursor is the token to request
// the next page; More is false on the final page.
type Page struct {
	Records []etl.RawRecord
	Cursor  string
	More    bool
}

// Source abstracts the upstream registry API. Implementations must treat
// network and 5xx failures as transient (return them wrapped so
// etl.IsRetryable reports true).
type Source interface {
	FetchPage(ctx context.Context, scope etl.Scope, cursor string) (Page, error)
}

// =============================================================================
// HTTP SOURCE - Paginated query-by-scope JSON API
// =============================================================================

// HTTPSource fetches scope pages from a JSON API:
//
//	GET {base}/{entity}?year=YYYY[&month=MM][&type=T]&page=N
//
// responding either with a bare array or {"items": [...], "last": bool}.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{BaseURL: baseURL, Client: http.DefaultClient}
}

func (s *HTTPSource) FetchPage(ctx context.Context, scope etl.Scope, cursor string) (Page, error) {
	page := 0
	if cursor != "" {
		page, _ = strconv.Atoi(cursor)
	}

	q := url.Values{}
	q.Set("year", strconv.Itoa(scope.Year))
	if scope.Month != 0 {
		q.Set("month", fmt.Sprintf("%02d", int(scope.Month)))
	}
	if scope.Type != "" {
		q.Set("type", scope.Type)
	}
	q.Set("page", strconv.Itoa(page))

	endpoint := fmt.Sprintf("%s/%s?%s", s.BaseURL, scope.Entity, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return Page{}, &etl.TransientUpstreamError{Scope: scope, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Page{}, &etl.TransientUpstreamError{
			Scope: scope,
			Cause: fmt.Errorf("status %d from %s", resp.StatusCode, endpoint),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, &etl.TransientUpstreamError{Scope: scope, Cause: err}
	}

	records, last, err := decodePage(body)
	if err != nil {
		return Page{}, fmt.Errorf("decoding %s page %d: %w", scope, page, err)
	}

	return Page{
		Records: records,
		Cursor:  strconv.Itoa(page + 1),
		More:    !last && len(records) > 0,
	}, nil
}

func decodePage(body []byte) ([]etl.RawRecord, bool, error) {
	// Bare array form first.
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil {
		return ToRawRecords(arr), true, nil
	}

	var wrapped struct {
		Items []map[string]any `json:"items"`
		Last  bool             `json:"last"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, false, err
	}
	return ToRawRecords(wrapped.Items), wrapped.Last, nil
}

// ToRawRecords flattens decoded JSON objects into string-valued raw records,
// the only form downstream stages consume.
func ToRawRecords(items []map[string]any) []etl.RawRecord {
	records := make([]etl.RawRecord, 0, len(items))
	for _, item := range items {
		rec := make(etl.RawRecord, len(item))
		for k, v := range item {
			switch val := v.(type) {
			case nil:
				rec[k] = ""
			case string:
				rec[k] = val
			case float64:
				rec[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				rec[k] = strconv.FormatBool(val)
			default:
				raw, _ := json.Marshal(val)
				rec[k] = string(raw)
			}
		}
		records = append(records, rec)
	}
	return records
}

// =============================================================================
// CSV SOURCE - Static downloadable catalogs
// =============================================================================

// CSVSource reads a static catalog from a tabular stream. Header names
// become RawRecord keys. CSV catalogs have no pagination: everything comes
// back as one final page.
type CSVSource struct {
	Open func(ctx context.Context, scope etl.Scope) (io.ReadCloser, error)
}

func (s *CSVSource) FetchPage(ctx context.Context, scope etl.Scope, cursor string) (Page, error) {
	if cursor != "" {
		return Page{}, nil // single-page source
	}

	rc, err := s.Open(ctx, scope)
	if err != nil {
		return Page{}, &etl.TransientUpstreamError{Scope: scope, Cause: err}
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	header, err := reader.Read()
	if err == io.EOF {
		return Page{}, nil
	}
	if err != nil {
		return Page{}, fmt.Errorf("reading %s catalog header: %w", scope.Entity, err)
	}

	var records []etl.RawRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Page{}, fmt.Errorf("reading %s catalog row: %w", scope.Entity, err)
		}
		rec := make(etl.RawRecord, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}

	return Page{Records: records, Cursor: "done"}, nil
}
