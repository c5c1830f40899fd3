// Package migration detects the on-disk version of a project and brings it
// to the current version. The upgraded project is written to a new location;
// the source is never mutated, so a failed migration costs nothing but the
// retry.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"projectcore/internal/filestore"
	archivehandler "projectcore/internal/infra/payload/archive"
	chunkhandler "projectcore/internal/infra/payload/chunk"
	"projectcore/internal/metrics"
	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
	"projectcore/pkg/schema"
)

// displayNamespace derives deterministic UUIDs for display items created by
// the v2 -> v3 split, keyed by the source data item. Running the same
// migration twice therefore produces identical index content.
var displayNamespace = uuid.MustParse("9c5f41de-6a6f-4f63-9bf6-1f6a4b2d8c11")

// Report summarizes one migration run.
type Report struct {
	FromVersion  int
	ToVersion    int
	Steps        []string
	Items        int
	CreatedItems int
}

// Required reports whether the project at dir needs migration, along with
// its on-disk version.
func Required(dir string) (bool, int, error) {
	doc, err := filestore.ReadIndex(dir)
	if err != nil {
		return false, 0, err
	}
	if doc.Version > schema.CurrentVersion {
		return false, doc.Version, fmt.Errorf("migration: project version %d is newer than supported version %d", doc.Version, schema.CurrentVersion)
	}
	return doc.Version < schema.CurrentVersion, doc.Version, nil
}

// Migrate upgrades the project at src into the fresh directory dst.
// The state machine is detect, plan, apply, verify; a failure at any point
// identifies the failing step and item, discards the partial destination,
// and leaves the source untouched.
func Migrate(ctx context.Context, src, dst string) (Report, error) {
	var report Report

	// detect
	doc, err := filestore.ReadIndex(src)
	if err != nil {
		return report, stepErr("detect", uuid.Nil, err)
	}
	report.FromVersion = doc.Version
	report.ToVersion = schema.CurrentVersion
	if doc.Version > schema.CurrentVersion {
		return report, stepErr("detect", uuid.Nil, fmt.Errorf("project version %d is newer than supported version %d", doc.Version, schema.CurrentVersion))
	}
	if doc.Version == schema.CurrentVersion {
		return report, nil
	}
	if _, err := filestore.ReadIndex(dst); err == nil {
		return report, stepErr("plan", uuid.Nil, fmt.Errorf("destination %s already holds a project", dst))
	} else if !errors.Is(err, os.ErrNotExist) {
		return report, stepErr("plan", uuid.Nil, err)
	}

	// plan
	for v := doc.Version; v < schema.CurrentVersion; v++ {
		report.Steps = append(report.Steps, fmt.Sprintf("upgrade-%d-to-%d", v, v+1))
	}

	// apply: transform in memory, then write the destination project
	out := doc
	out.Items = append([]filestore.ItemRecord(nil), doc.Items...)
	for v := doc.Version; v < schema.CurrentVersion; v++ {
		step := fmt.Sprintf("upgrade-%d-to-%d", v, v+1)
		if err := applyVersionStep(&out, v, &report); err != nil {
			metrics.MigrationSteps.WithLabelValues(step, "error").Inc()
			return report, err
		}
		out.Version = v + 1
		metrics.MigrationSteps.WithLabelValues(step, "ok").Inc()
		slog.Info("migration step applied", "step", step, "items", len(out.Items))
	}
	report.Items = len(out.Items)

	if err := writeDestination(ctx, src, dst, out); err != nil {
		_ = os.RemoveAll(dst)
		return report, err
	}

	// verify: the freshly written project must match the transformed doc
	// and retain every source item identity
	if err := verify(dst, doc, out); err != nil {
		_ = os.RemoveAll(dst)
		return report, err
	}
	return report, nil
}

func stepErr(step string, item uuid.UUID, err error) error {
	return &record.MigrationError{Step: step, ItemID: item, Err: err}
}

// applyVersionStep upgrades every record sitting at version v to v+1,
// including the v2 structural split of combined data items into separate
// data item and display item records.
func applyVersionStep(doc *filestore.Index, v int, report *Report) error {
	step := fmt.Sprintf("upgrade-%d-to-%d", v, v+1)
	var created []filestore.ItemRecord
	for i := range doc.Items {
		rec := &doc.Items[i]
		if rec.SchemaVersion != v {
			continue
		}
		props := rec.Properties
		if v == 2 && rec.Type == record.TypeDataItem {
			itemProps, displayProps, split := schema.SplitDisplay(props)
			props = itemProps
			if split {
				// The embedded display state is shaped like a v2 display
				// item and takes the same upgrade as standalone ones.
				displayProps, err := schema.UpgradeOne(record.TypeDisplayItem, displayProps, v)
				if err != nil {
					return stepErr(step, rec.UUID, err)
				}
				displayUUID := uuid.NewSHA1(displayNamespace, rec.UUID[:])
				created = append(created, filestore.ItemRecord{
					Type:          record.TypeDisplayItem,
					UUID:          displayUUID,
					SchemaVersion: v + 1,
					Created:       rec.Created,
					Modified:      rec.Modified,
					Properties:    displayProps,
					References:    map[string][]uuid.UUID{"data_items": {rec.UUID}},
				})
				report.CreatedItems++
			}
		}
		next, err := schema.UpgradeOne(rec.Type, props, v)
		if err != nil {
			return stepErr(step, rec.UUID, err)
		}
		rec.Properties = next
		rec.SchemaVersion = v + 1
	}
	doc.Items = append(doc.Items, created...)
	return nil
}

// writeDestination lays out the destination project: payloads are copied
// through fresh handlers first, the index write is the final step.
func writeDestination(ctx context.Context, src, dst string, doc filestore.Index) error {
	if err := os.MkdirAll(filestore.DataDir(dst), 0o755); err != nil {
		return stepErr("apply", uuid.Nil, err)
	}
	srcHandlers, err := openHandlers(src)
	if err != nil {
		return stepErr("apply", uuid.Nil, err)
	}
	defer closeHandlers(srcHandlers)
	dstHandlers, err := openHandlers(dst)
	if err != nil {
		return stepErr("apply", uuid.Nil, err)
	}
	defer closeHandlers(dstHandlers)

	for i := range doc.Items {
		rec := &doc.Items[i]
		if rec.Payload == nil {
			continue
		}
		sh, ok := srcHandlers[rec.Payload.Driver]
		if !ok {
			return stepErr("copy-payloads", rec.UUID, fmt.Errorf("no handler for driver %q", rec.Payload.Driver))
		}
		arr, meta, err := sh.Read(ctx, *rec.Payload)
		if err != nil {
			return stepErr("copy-payloads", rec.UUID, err)
		}
		newRef, err := dstHandlers[rec.Payload.Driver].Write(ctx, rec.UUID, arr, meta)
		if err != nil {
			return stepErr("copy-payloads", rec.UUID, err)
		}
		rec.Payload = &newRef
	}
	if err := filestore.WriteIndex(dst, doc); err != nil {
		return stepErr("write-index", uuid.Nil, err)
	}
	return nil
}

func openHandlers(dir string) (map[core.Driver]core.Handler, error) {
	ah, err := archivehandler.New(filestore.DataDir(dir))
	if err != nil {
		return nil, err
	}
	ch, err := chunkhandler.New(filepath.Join(filestore.DataDir(dir), filestore.ChunkDBName), chunkhandler.Options{})
	if err != nil {
		return nil, err
	}
	return map[core.Driver]core.Handler{core.DriverArchive: ah, core.DriverChunk: ch}, nil
}

func closeHandlers(handlers map[core.Driver]core.Handler) {
	for _, h := range handlers {
		_ = h.Close()
	}
}

// verify re-reads the destination and checks item counts and UUID sets: the
// destination must match the transformed document exactly and must retain
// every source item identity.
func verify(dst string, src, want filestore.Index) error {
	got, err := filestore.ReadIndex(dst)
	if err != nil {
		return stepErr("verify", uuid.Nil, err)
	}
	if got.Version != schema.CurrentVersion {
		return stepErr("verify", uuid.Nil, fmt.Errorf("destination version %d, want %d", got.Version, schema.CurrentVersion))
	}
	if len(got.Items) != len(want.Items) {
		return stepErr("verify", uuid.Nil, fmt.Errorf("destination holds %d items, want %d", len(got.Items), len(want.Items)))
	}
	gotSet := make(map[uuid.UUID]bool, len(got.Items))
	for _, rec := range got.Items {
		gotSet[rec.UUID] = true
	}
	for _, rec := range want.Items {
		if !gotSet[rec.UUID] {
			return stepErr("verify", rec.UUID, fmt.Errorf("item missing from destination"))
		}
	}
	for _, rec := range src.Items {
		if !gotSet[rec.UUID] {
			return stepErr("verify", rec.UUID, fmt.Errorf("source item missing from destination"))
		}
	}
	return nil
}
