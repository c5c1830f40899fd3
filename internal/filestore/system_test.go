package filestore

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
	"projectcore/pkg/schema"
)

func newTempSystem(t *testing.T, opts Options) *System {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDataItem(t *testing.T, title string) *record.Item {
	t.Helper()
	it := record.NewItem(record.TypeDataItem, schema.CurrentVersion)
	it.Properties["title"] = title
	return it
}

func TestOpenCreatesProject(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if s.Version() != schema.CurrentVersion || s.ProjectUUID() == uuid.Nil {
		t.Fatalf("unexpected project %d %s", s.Version(), s.ProjectUUID())
	}
	if _, err := os.Stat(IndexPath(dir)); err != nil {
		t.Fatalf("index not created: %v", err)
	}
	if _, err := os.Stat(DataDir(dir)); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestOpenPreservesIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := s.ProjectUUID()
	_ = s.Close()
	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if s2.ProjectUUID() != id {
		t.Fatalf("project identity changed across reopen")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	_, err = Open(dir, Options{})
	var lc *record.LockConflictError
	if !errors.As(err, &lc) {
		t.Fatalf("got %v, want *record.LockConflictError", err)
	}
	ro, err := Open(dir, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open alongside writer: %v", err)
	}
	_ = ro.Close()
}

func TestScenarioWriteCloseReopenRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	it := newDataItem(t, "scan")
	it.Payload, _ = record.NewArray(record.DTypeFloat64, 10, 10)
	for i := 0; i < it.Payload.Len(); i++ {
		it.Payload.SetFloat64(i, math.Sqrt(float64(i)))
	}
	want := it.Payload.Clone()
	if err := s.WriteItem(ctx, it); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ref := s.PayloadRef(it.UUID); ref == nil || ref.Driver != core.DriverArchive {
		t.Fatalf("unexpected payload ref %+v", ref)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	got, err := s2.ReadItem(ctx, it.UUID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Properties["title"] != "scan" {
		t.Fatalf("properties lost: %+v", got.Properties)
	}
	for i := 0; i < want.Len(); i++ {
		if got.Payload.Float64At(i) != want.Float64At(i) {
			t.Fatalf("element %d differs", i)
		}
	}
}

func TestSelectDriver(t *testing.T) {
	ctx := context.Background()
	s := newTempSystem(t, Options{ArchiveMaxBytes: 100})

	small := newDataItem(t, "small")
	small.Payload, _ = record.NewArray(record.DTypeUint8, 10)
	if err := s.WriteItem(ctx, small); err != nil {
		t.Fatalf("write small: %v", err)
	}
	if ref := s.PayloadRef(small.UUID); ref.Driver != core.DriverArchive {
		t.Fatalf("small item on %q, want archive", ref.Driver)
	}

	big := newDataItem(t, "big")
	big.Payload, _ = record.NewArray(record.DTypeUint8, 1000)
	if err := s.WriteItem(ctx, big); err != nil {
		t.Fatalf("write big: %v", err)
	}
	if ref := s.PayloadRef(big.UUID); ref.Driver != core.DriverChunk {
		t.Fatalf("big item on %q, want chunk", ref.Driver)
	}

	live := newDataItem(t, "live")
	live.Live = true
	live.Payload, _ = record.NewArray(record.DTypeUint8, 10)
	if err := s.WriteItem(ctx, live); err != nil {
		t.Fatalf("write live: %v", err)
	}
	if ref := s.PayloadRef(live.UUID); ref.Driver != core.DriverChunk {
		t.Fatalf("live item on %q, want chunk", ref.Driver)
	}
}

func TestRewriteKeepsDriver(t *testing.T) {
	ctx := context.Background()
	s := newTempSystem(t, Options{ArchiveMaxBytes: 100})
	it := newDataItem(t, "grows")
	it.Payload, _ = record.NewArray(record.DTypeUint8, 10)
	if err := s.WriteItem(ctx, it); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the rewrite crosses the size threshold but stays on its backend
	it.Payload, _ = record.NewArray(record.DTypeUint8, 1000)
	if err := s.WriteItem(ctx, it); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if ref := s.PayloadRef(it.UUID); ref.Driver != core.DriverArchive {
		t.Fatalf("implicit backend switch to %q", ref.Driver)
	}
}

func TestWritePartial(t *testing.T) {
	ctx := context.Background()
	s := newTempSystem(t, Options{ArchiveMaxBytes: 100})

	big := newDataItem(t, "chunked")
	big.Payload, _ = record.NewArray(record.DTypeFloat64, 8, 8)
	if err := s.WriteItem(ctx, big); err != nil {
		t.Fatalf("write: %v", err)
	}
	patch, _ := record.NewArray(record.DTypeFloat64, 2, 2)
	for i := 0; i < patch.Len(); i++ {
		patch.SetFloat64(i, 42)
	}
	region := record.Region{Offset: []int{0, 0}, Size: []int{2, 2}}
	if err := s.WritePartial(ctx, big.UUID, region, patch); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	got, err := s.ReadItem(ctx, big.UUID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Payload.Float64At(0) != 42 || got.Payload.Float64At(2) != 0 {
		t.Fatalf("region not applied")
	}

	small := newDataItem(t, "archived")
	small.Payload, _ = record.NewArray(record.DTypeFloat64, 2)
	if err := s.WriteItem(ctx, small); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = s.WritePartial(ctx, small.UUID, record.Region{Offset: []int{0}, Size: []int{1}}, patch)
	if !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	it := newDataItem(t, "doomed")
	it.Payload, _ = record.NewArray(record.DTypeUint8, 8)
	if err := s.WriteItem(ctx, it); err != nil {
		t.Fatalf("write: %v", err)
	}
	disp := record.NewItem(record.TypeDisplayItem, schema.CurrentVersion)
	disp.AddReference("data_items", it.UUID)
	if err := s.WriteItem(ctx, disp); err != nil {
		t.Fatalf("write display: %v", err)
	}

	ref := s.PayloadRef(it.UUID)
	if err := s.DeleteItem(ctx, it.UUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteItem(ctx, it.UUID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.ReadItem(ctx, it.UUID); err == nil {
		t.Fatalf("expected not-found after delete")
	}
	if _, err := os.Stat(filepath.Join(DataDir(dir), ref.Locator)); !os.IsNotExist(err) {
		t.Fatalf("payload file survived delete")
	}
	got, err := s.ReadItem(ctx, disp.UUID)
	if err != nil {
		t.Fatalf("read display: %v", err)
	}
	if len(got.References) != 0 {
		t.Fatalf("dangling reference survived: %+v", got.References)
	}
}

func TestValidationRejectsBadItem(t *testing.T) {
	s := newTempSystem(t, Options{})
	it := newDataItem(t, "bad")
	it.Properties["bogus"] = 1
	if err := s.WriteItem(context.Background(), it); err == nil {
		t.Fatalf("expected schema error")
	}
	if len(s.Items()) != 0 {
		t.Fatalf("rejected item reached the index")
	}
}

func TestPartialLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		it := newDataItem(t, "item")
		it.Payload, _ = record.NewArray(record.DTypeUint8, 4)
		if err := s.WriteItem(ctx, it); err != nil {
			t.Fatalf("write: %v", err)
		}
		ids = append(ids, it.UUID)
	}
	victim := s.PayloadRef(ids[1])
	_ = s.Close()
	// out-of-band payload loss must cost exactly one item
	if err := os.Remove(filepath.Join(DataDir(dir), victim.Locator)); err != nil {
		t.Fatalf("remove payload: %v", err)
	}

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	items, loadErrs, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("loaded %d items, want 2", len(items))
	}
	if len(loadErrs) != 1 || loadErrs[0].ID != ids[1] {
		t.Fatalf("unexpected load errors %+v", loadErrs)
	}
	var re *record.ReadError
	if !errors.As(loadErrs[0].Err, &re) {
		t.Fatalf("got %T, want *record.ReadError", loadErrs[0].Err)
	}
}

func TestOldProjectReadableNotWritable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := uuid.New()
	now := time.Now().UTC()
	doc := Index{Version: 1, UUID: uuid.New(), Created: now, Modified: now, Items: []ItemRecord{
		{Type: record.TypeDataItem, UUID: id, SchemaVersion: 1, Created: now, Modified: now,
			Properties: map[string]any{"caption": "legacy", "title": "scan"}},
	}}
	if err := os.MkdirAll(DataDir(dir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := WriteIndex(dir, doc); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if !s.MigrationRequired() {
		t.Fatalf("migration not flagged")
	}
	got, err := s.ReadItem(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Properties["description"] != "legacy" {
		t.Fatalf("schema upgrade not applied on read: %+v", got.Properties)
	}
	if err := s.WriteItem(ctx, got); !errors.Is(err, ErrMigrationRequired) {
		t.Fatalf("write: got %v, want ErrMigrationRequired", err)
	}
	if err := s.DeleteItem(ctx, id); !errors.Is(err, ErrMigrationRequired) {
		t.Fatalf("delete: got %v, want ErrMigrationRequired", err)
	}
}

func TestFutureProjectRejected(t *testing.T) {
	dir := t.TempDir()
	doc := Index{Version: schema.CurrentVersion + 1, UUID: uuid.New()}
	if err := WriteIndex(dir, doc); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	if _, err := Open(dir, Options{}); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err := Open(dir, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	defer func() { _ = s.Close() }()
	it := newDataItem(t, "x")
	if err := s.WriteItem(context.Background(), it); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("got %v, want ErrReadOnly", err)
	}
}

func TestReadOnlyOpenMissingProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	_, err := Open(dir, Options{ReadOnly: true})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want not-exist error", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("read-only open must not create the project directory")
	}
}

func TestMigrateHandler(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	it := newDataItem(t, "moves")
	it.Payload, _ = record.NewArray(record.DTypeFloat64, 4)
	it.Payload.SetFloat64(0, 3.5)
	if err := s.WriteItem(ctx, it); err != nil {
		t.Fatalf("write: %v", err)
	}
	oldRef := s.PayloadRef(it.UUID)
	if oldRef.Driver != core.DriverArchive {
		t.Fatalf("item on %q, want archive", oldRef.Driver)
	}
	if err := s.MigrateHandler(ctx, it.UUID, core.DriverChunk); err != nil {
		t.Fatalf("migrate handler: %v", err)
	}
	newRef := s.PayloadRef(it.UUID)
	if newRef.Driver != core.DriverChunk {
		t.Fatalf("item on %q after migrate, want chunk", newRef.Driver)
	}
	if _, err := os.Stat(filepath.Join(DataDir(dir), oldRef.Locator)); !os.IsNotExist(err) {
		t.Fatalf("old payload file survived")
	}
	got, err := s.ReadItem(ctx, it.UUID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Payload.Float64At(0) != 3.5 {
		t.Fatalf("payload lost in backend move")
	}
	// migrating to the current backend is a no-op
	if err := s.MigrateHandler(ctx, it.UUID, core.DriverChunk); err != nil {
		t.Fatalf("no-op migrate: %v", err)
	}
}
