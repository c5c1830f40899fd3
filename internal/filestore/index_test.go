package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"projectcore/pkg/record"
	"projectcore/pkg/schema"
)

func TestIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := Index{
		Version:  schema.CurrentVersion,
		UUID:     uuid.New(),
		Created:  now,
		Modified: now,
		Items: []ItemRecord{
			{Type: record.TypeDataItem, UUID: uuid.New(), SchemaVersion: schema.CurrentVersion,
				Created: now, Modified: now, Properties: map[string]any{"title": "a"}},
		},
	}
	if err := WriteIndex(dir, doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadIndex(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Version != doc.Version || got.UUID != doc.UUID || len(got.Items) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Items[0].Properties["title"] != "a" {
		t.Fatalf("properties lost: %+v", got.Items[0])
	}
}

func TestWriteIndexSortsItems(t *testing.T) {
	dir := t.TempDir()
	a := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	b := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")
	doc := Index{Version: schema.CurrentVersion, UUID: uuid.New(), Items: []ItemRecord{
		{Type: record.TypeDataItem, UUID: b, SchemaVersion: schema.CurrentVersion},
		{Type: record.TypeDataItem, UUID: a, SchemaVersion: schema.CurrentVersion},
	}}
	if err := WriteIndex(dir, doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _ := ReadIndex(dir)
	if got.Items[0].UUID != a || got.Items[1].UUID != b {
		t.Fatalf("items not sorted by uuid: %+v", got.Items)
	}
}

func TestIndexSurvivesAbortedReplace(t *testing.T) {
	dir := t.TempDir()
	doc := Index{Version: schema.CurrentVersion, UUID: uuid.New()}
	if err := WriteIndex(dir, doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	// a crash mid-replace leaves a truncated temp file behind but never
	// touches the index itself
	if err := os.WriteFile(filepath.Join(dir, ".index-tmp-crashed"), []byte(`{"ver`), 0o644); err != nil {
		t.Fatalf("plant temp: %v", err)
	}
	got, err := ReadIndex(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.UUID != doc.UUID {
		t.Fatalf("previous index lost")
	}
}

func TestReadIndexCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(IndexPath(dir), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadIndex(dir); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestReadIndexMissing(t *testing.T) {
	if _, err := ReadIndex(t.TempDir()); !os.IsNotExist(err) {
		t.Fatalf("got %v, want not-exist", err)
	}
}
