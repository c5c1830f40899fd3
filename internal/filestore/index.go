// Package filestore owns the on-disk project layout: the index file
// describing every item and its relationships, and the sibling data
// directory holding bulk payloads behind storage handlers.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
)

// Well-known names inside a project directory.
const (
	// IndexFileName is the structured index document at the project root.
	IndexFileName = "project.json"
	// DataDirName is the sibling directory holding payload storage.
	DataDirName = "data"
	// LockFileName is the advisory single-writer lock file.
	LockFileName = "project.lock"
	// ChunkDBName is the shared chunk database inside the data directory.
	ChunkDBName = "datasets.db"
)

// Index is the persisted index document. It is always replaced atomically,
// never written in place.
type Index struct {
	Version  int          `json:"version"`
	UUID     uuid.UUID    `json:"uuid"`
	Created  time.Time    `json:"created"`
	Modified time.Time    `json:"modified"`
	Items    []ItemRecord `json:"items"`
}

// ItemRecord is one persisted item inside the index: type tag, identity,
// schema version, properties, relationship references, and the payload
// handler reference when the item carries a bulk array.
type ItemRecord struct {
	Type          record.Type            `json:"type"`
	UUID          uuid.UUID              `json:"uuid"`
	SchemaVersion int                    `json:"schema_version"`
	ModCount      uint64                 `json:"mod_count"`
	Created       time.Time              `json:"created"`
	Modified      time.Time              `json:"modified"`
	Live          bool                   `json:"live,omitempty"`
	Properties    map[string]any         `json:"properties"`
	References    map[string][]uuid.UUID `json:"references,omitempty"`
	Payload       *core.Ref              `json:"payload,omitempty"`
}

// IndexPath returns the index file path for a project directory.
func IndexPath(dir string) string { return filepath.Join(dir, IndexFileName) }

// DataDir returns the data directory path for a project directory.
func DataDir(dir string) string { return filepath.Join(dir, DataDirName) }

// ReadIndex loads and decodes the index document of the project at dir.
// It performs no schema upgrades; callers see the on-disk version as is.
func ReadIndex(dir string) (Index, error) {
	var doc Index
	raw, err := os.ReadFile(IndexPath(dir))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode index: %w", err)
	}
	return doc, nil
}

// WriteIndex atomically replaces the index document of the project at dir:
// the document is written to a temporary file in the same directory and
// renamed over the previous index, which survives intact if the process
// dies mid-write.
func WriteIndex(dir string, doc Index) error {
	sort.Slice(doc.Items, func(i, j int) bool {
		return doc.Items[i].UUID.String() < doc.Items[j].UUID.String()
	})
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), IndexPath(dir))
}

// toItem converts an index record into an in-memory item (payload excluded).
func (r ItemRecord) toItem() *record.Item {
	it := &record.Item{
		UUID:          r.UUID,
		Type:          r.Type,
		SchemaVersion: r.SchemaVersion,
		ModCount:      r.ModCount,
		Created:       r.Created,
		Modified:      r.Modified,
		Live:          r.Live,
		Properties:    r.Properties,
		References:    r.References,
	}
	return it.Clone()
}

// fromItem converts an in-memory item into an index record, deep-copying
// mutable state so later in-memory edits cannot corrupt the index.
func fromItem(it *record.Item, ref *core.Ref) ItemRecord {
	cp := it.Clone()
	return ItemRecord{
		Type:          cp.Type,
		UUID:          cp.UUID,
		SchemaVersion: cp.SchemaVersion,
		ModCount:      cp.ModCount,
		Created:       cp.Created,
		Modified:      cp.Modified,
		Live:          cp.Live,
		Properties:    cp.Properties,
		References:    cp.References,
		Payload:       ref,
	}
}
