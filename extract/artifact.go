/*
artifact.go - Raw artifact files and the extraction manifest

PURPOSE:
  Raw artifacts are partitioned JSON files, one per (scope, page), stable
  enough to be replayed by the transformer without re-extracting and
  inspectable for audit. The manifest records which pages each scope has
  durably written and whether the scope is complete; it is the source of
  truth for extraction resumability.

DURABILITY:
  Every artifact and every manifest update is written to a temp file and
  renamed into place, so a crash never leaves a half-written page that the
  manifest claims exists.
*/
package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// ARTIFACT - One page of raw records
// =============================================================================

// Artifact is the on-disk form of one extracted page.
type Artifact struct {
	Scope       ScopeRef        `json:"scope"`
	Page        int             `json:"page"`
	ExtractedAt time.Time       `json:"extracted_at"`
	Records     []etl.RawRecord `json:"records"`
}

// ScopeRef is the JSON-friendly form of etl.Scope.
type ScopeRef struct {
	Entity string `json:"entity"`
	Year   int    `json:"year"`
	Month  int    `json:"month,omitempty"`
	Type   string `json:"type,omitempty"`
}

func refOf(s etl.Scope) ScopeRef {
	return ScopeRef{Entity: string(s.Entity), Year: s.Year, Month: int(s.Month), Type: s.Type}
}

func (r ScopeRef) Scope() etl.Scope {
	return etl.Scope{Entity: etl.Entity(r.Entity), Year: r.Year, Month: time.Month(r.Month), Type: r.Type}
}

// =============================================================================
// ARTIFACT STORE - Directory of partitioned raw files + manifest
// =============================================================================

// ArtifactStore manages raw artifact files under root/<entity>/ and the
// manifest at root/manifest.json.
type ArtifactStore struct {
	root string

	mu       sync.Mutex
	manifest manifest
}

type manifest struct {
	Entries map[string]*ManifestEntry `json:"entries"`
}

// ManifestEntry tracks extraction progress for one scope.
type ManifestEntry struct {
	Scope     ScopeRef  `json:"scope"`
	Pages     int       `json:"pages"`  // pages durably written: 0..Pages-1
	Cursor    string    `json:"cursor"` // resume token for the next request
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenArtifactStore opens (or initializes) the artifact directory.
func OpenArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	store := &ArtifactStore{root: root, manifest: manifest{Entries: map[string]*ManifestEntry{}}}

	data, err := os.ReadFile(store.manifestPath())
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &store.manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if store.manifest.Entries == nil {
		store.manifest.Entries = map[string]*ManifestEntry{}
	}
	return store, nil
}

func (as *ArtifactStore) manifestPath() string {
	return filepath.Join(as.root, "manifest.json")
}

func (as *ArtifactStore) artifactPath(scope etl.Scope, page int) string {
	name := fmt.Sprintf("raw_%s_p%04d.json", scope.Key(), page)
	return filepath.Join(as.root, string(scope.Entity), name)
}

// Progress returns the manifest entry for a scope, or a zero entry.
func (as *ArtifactStore) Progress(scope etl.Scope) ManifestEntry {
	as.mu.Lock()
	defer as.mu.Unlock()

	if e, ok := as.manifest.Entries[scope.Key()]; ok {
		return *e
	}
	return ManifestEntry{Scope: refOf(scope)}
}

// WritePage durably writes one page and advances the manifest. The artifact
// lands before the manifest update, so the manifest never points at a page
// that does not exist.
func (as *ArtifactStore) WritePage(scope etl.Scope, page int, cursor string, records []etl.RawRecord) error {
	artifact := Artifact{
		Scope:       refOf(scope),
		Page:        page,
		ExtractedAt: time.Now().UTC(),
		Records:     records,
	}
	if err := writeJSONAtomic(as.artifactPath(scope, page), artifact); err != nil {
		return fmt.Errorf("writing artifact %s p%d: %w", scope, page, err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	entry := as.manifest.Entries[scope.Key()]
	if entry == nil {
		entry = &ManifestEntry{Scope: refOf(scope)}
		as.manifest.Entries[scope.Key()] = entry
	}
	if page+1 > entry.Pages {
		entry.Pages = page + 1
	}
	entry.Cursor = cursor
	entry.UpdatedAt = time.Now().UTC()
	return as.saveLocked()
}

// MarkComplete records that a scope's extraction finished.
func (as *ArtifactStore) MarkComplete(scope etl.Scope) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	entry := as.manifest.Entries[scope.Key()]
	if entry == nil {
		entry = &ManifestEntry{Scope: refOf(scope)}
		as.manifest.Entries[scope.Key()] = entry
	}
	entry.Complete = true
	entry.UpdatedAt = time.Now().UTC()
	return as.saveLocked()
}

// ReadScope loads every written page for a scope in page order. Used by the
// transformer and by reprocessing.
func (as *ArtifactStore) ReadScope(scope etl.Scope) ([]etl.RawRecord, error) {
	entry := as.Progress(scope)

	var records []etl.RawRecord
	for page := 0; page < entry.Pages; page++ {
		data, err := os.ReadFile(as.artifactPath(scope, page))
		if err != nil {
			return nil, fmt.Errorf("reading artifact %s p%d: %w", scope, page, err)
		}
		var artifact Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("parsing artifact %s p%d: %w", scope, page, err)
		}
		records = append(records, artifact.Records...)
	}
	return records, nil
}

// CompletedScopes lists scopes the manifest marks complete, sorted by key.
func (as *ArtifactStore) CompletedScopes() []etl.Scope {
	as.mu.Lock()
	defer as.mu.Unlock()

	var keys []string
	for k, e := range as.manifest.Entries {
		if e.Complete {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	scopes := make([]etl.Scope, 0, len(keys))
	for _, k := range keys {
		scopes = append(scopes, as.manifest.Entries[k].Scope.Scope())
	}
	return scopes
}

func (as *ArtifactStore) saveLocked() error {
	return writeJSONAtomic(as.manifestPath(), as.manifest)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
