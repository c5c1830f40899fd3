package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	archivehandler "projectcore/internal/infra/payload/archive"
	chunkhandler "projectcore/internal/infra/payload/chunk"
	"projectcore/internal/metrics"
	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
	"projectcore/pkg/schema"
)

// DefaultArchiveMaxBytes is the payload size above which new items go to the
// chunk backend instead of the archive container. Documented constant; the
// original threshold is not recoverable, this one keeps whole-file rewrites
// under tens of milliseconds on ordinary disks.
const DefaultArchiveMaxBytes = 16 << 20

// ErrMigrationRequired is returned for writes against a project whose
// on-disk version is older than the software's. The project stays readable;
// it must never be written using the old layout.
var ErrMigrationRequired = errors.New("filestore: project requires migration before writing")

// ErrReadOnly is returned for writes against a read-only open.
var ErrReadOnly = errors.New("filestore: project opened read-only")

// Options tunes a System.
type Options struct {
	// ArchiveMaxBytes is the handler selection threshold for new payloads
	// (default DefaultArchiveMaxBytes).
	ArchiveMaxBytes int
	// ChunkSize is the chunk backend row size (default chunk.DefaultChunkSize).
	ChunkSize int
	// IdleClose closes the chunk database handle after inactivity.
	IdleClose time.Duration
	// ReadOnly opens without taking the project lock and rejects writes.
	ReadOnly bool
}

// LoadError reports one item that could not be loaded. The rest of the
// project remains usable.
type LoadError struct {
	ID  uuid.UUID
	Err error
}

func (e LoadError) Error() string { return fmt.Sprintf("item %s: %v", e.ID, e.Err) }

func (e LoadError) Unwrap() error { return e.Err }

// System is the file storage system for one project directory: it owns the
// index document, the data directory, and the mapping from item identity to
// storage handler. It assumes a single writer per project; the advisory lock
// file warns a second process attempting to open the same project.
type System struct {
	dir             string
	opts            Options
	lock            *flock.Flock
	migrationNeeded bool

	mu       sync.Mutex
	doc      Index
	handlers map[core.Driver]core.Handler
}

// Open initializes the project layout at dir, acquires the advisory lock
// (unless read-only), and reads the index. A missing index is the normal
// first-open branch and creates a fresh project; a read-only open of a
// missing project fails instead. A second writer yields a
// *record.LockConflictError; the caller decides whether to reopen read-only.
func Open(dir string, opts Options) (*System, error) {
	if opts.ArchiveMaxBytes <= 0 {
		opts.ArchiveMaxBytes = DefaultArchiveMaxBytes
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(DataDir(dir), 0o755); err != nil {
			return nil, err
		}
	}
	s := &System{dir: dir, opts: opts, handlers: map[core.Driver]core.Handler{}}
	if !opts.ReadOnly {
		lockPath := filepath.Join(dir, LockFileName)
		s.lock = flock.New(lockPath)
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire project lock: %w", err)
		}
		if !locked {
			return nil, &record.LockConflictError{Path: lockPath}
		}
	}
	doc, err := ReadIndex(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// A missing index is a fresh project for a writer; a read-only
		// open must not create directories or invent a project identity.
		if opts.ReadOnly {
			return nil, fmt.Errorf("filestore: open %s read-only: %w", dir, err)
		}
		now := time.Now().UTC()
		doc = Index{Version: schema.CurrentVersion, UUID: uuid.New(), Created: now, Modified: now}
		if err := WriteIndex(dir, doc); err != nil {
			s.releaseLock()
			return nil, err
		}
	case err != nil:
		s.releaseLock()
		return nil, err
	}
	if doc.Version > schema.CurrentVersion {
		s.releaseLock()
		return nil, fmt.Errorf("filestore: project version %d is newer than supported version %d", doc.Version, schema.CurrentVersion)
	}
	ah, err := archivehandler.New(DataDir(dir))
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	ch, err := chunkhandler.New(filepath.Join(DataDir(dir), ChunkDBName), chunkhandler.Options{ChunkSize: opts.ChunkSize, IdleClose: opts.IdleClose})
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.handlers[core.DriverArchive] = ah
	s.handlers[core.DriverChunk] = ch
	s.migrationNeeded = doc.Version < schema.CurrentVersion
	s.doc = doc
	return s, nil
}

func (s *System) releaseLock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
		_ = os.Remove(s.lock.Path())
		s.lock = nil
	}
}

// Dir returns the project directory.
func (s *System) Dir() string { return s.dir }

// ProjectUUID returns the stable project identity.
func (s *System) ProjectUUID() uuid.UUID { return s.doc.UUID }

// Version returns the on-disk schema version of the project.
func (s *System) Version() int { return s.doc.Version }

// MigrationRequired reports whether the on-disk version is older than the
// software's; writes are rejected until migration runs.
func (s *System) MigrationRequired() bool { return s.migrationNeeded }

// RegisterHandler makes an additional payload backend available, keyed by
// its driver. The archive and chunk backends are registered by Open.
func (s *System) RegisterHandler(h core.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.Driver()] = h
}

func (s *System) handlerFor(d core.Driver) (core.Handler, error) {
	h, ok := s.handlers[d]
	if !ok {
		return nil, fmt.Errorf("filestore: no handler for driver %q", d)
	}
	return h, nil
}

// Load materializes every readable item, payloads included. Items whose
// record cannot be upgraded or whose payload is missing or corrupt are
// reported in the returned load errors instead of aborting the whole load.
func (s *System) Load(ctx context.Context) ([]*record.Item, []LoadError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*record.Item
	var loadErrs []LoadError
	for _, rec := range s.doc.Items {
		it := rec.toItem()
		if rec.SchemaVersion < schema.CurrentVersion {
			props, err := schema.Upgrade(rec.Type, rec.Properties, rec.SchemaVersion)
			if err != nil {
				loadErrs = append(loadErrs, LoadError{ID: rec.UUID, Err: err})
				metrics.LoadErrors.Inc()
				continue
			}
			it.Properties = props
			it.SchemaVersion = schema.CurrentVersion
		}
		if rec.Payload != nil {
			arr, _, err := s.readPayload(ctx, rec.UUID, *rec.Payload)
			if err != nil {
				loadErrs = append(loadErrs, LoadError{ID: rec.UUID, Err: err})
				metrics.LoadErrors.Inc()
				slog.Warn("unreadable item", "uuid", rec.UUID, "locator", rec.Payload.Locator, "err", err)
				continue
			}
			it.Payload = arr
		}
		items = append(items, it)
	}
	return items, loadErrs, nil
}

func (s *System) readPayload(ctx context.Context, id uuid.UUID, ref core.Ref) (*record.Array, map[string]any, error) {
	h, err := s.handlerFor(ref.Driver)
	if err != nil {
		return nil, nil, &record.ReadError{ID: id, Locator: ref.Locator, Err: err}
	}
	arr, meta, err := h.Read(ctx, ref)
	if err != nil {
		var re *record.ReadError
		if errors.As(err, &re) && re.ID == uuid.Nil {
			re.ID = id
		}
		return nil, nil, err
	}
	return arr, meta, nil
}

func (s *System) find(id uuid.UUID) (int, bool) {
	for i := range s.doc.Items {
		if s.doc.Items[i].UUID == id {
			return i, true
		}
	}
	return -1, false
}

// ReadItem returns a deep copy of the item with its payload loaded.
func (s *System) ReadItem(ctx context.Context, id uuid.UUID) (*record.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(id)
	if !ok {
		return nil, &record.NotFoundError{ID: id}
	}
	rec := s.doc.Items[i]
	it := rec.toItem()
	if rec.SchemaVersion < schema.CurrentVersion {
		props, err := schema.Upgrade(rec.Type, rec.Properties, rec.SchemaVersion)
		if err != nil {
			return nil, err
		}
		it.Properties = props
		it.SchemaVersion = schema.CurrentVersion
	}
	if rec.Payload != nil {
		arr, _, err := s.readPayload(ctx, id, *rec.Payload)
		if err != nil {
			return nil, err
		}
		it.Payload = arr
	}
	return it, nil
}

// Items returns metadata-only copies of every indexed item, payloads
// excluded.
func (s *System) Items() []*record.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Item, 0, len(s.doc.Items))
	for _, rec := range s.doc.Items {
		out = append(out, rec.toItem())
	}
	return out
}

// PayloadRef returns the handler reference recorded for the item's payload,
// or nil when the item has none.
func (s *System) PayloadRef(id uuid.UUID) *core.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(id)
	if !ok || s.doc.Items[i].Payload == nil {
		return nil
	}
	ref := *s.doc.Items[i].Payload
	return &ref
}

// selectDriver picks the backend for a new payload: live items stream to the
// chunk backend regardless of size, otherwise size decides.
func (s *System) selectDriver(it *record.Item) core.Driver {
	if it.Live || it.Payload.NumBytes() > s.opts.ArchiveMaxBytes {
		return core.DriverChunk
	}
	return core.DriverArchive
}

// WriteItem serializes the item and persists it. The payload is written
// through its handler first and the index update is the final step, so a
// payload write failure never leaves a dangling index reference.
func (s *System) WriteItem(ctx context.Context, it *record.Item) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if s.migrationNeeded {
		return ErrMigrationRequired
	}
	if err := schema.Validate(it); err != nil {
		metrics.ItemWrites.WithLabelValues("none", "error").Inc()
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, exists := s.find(it.UUID)
	var ref *core.Ref
	driverLabel := "none"
	if exists && s.doc.Items[i].Payload != nil {
		ref = s.doc.Items[i].Payload
	}
	if it.Payload != nil {
		driver := s.selectDriver(it)
		if ref != nil {
			// switching backends is an explicit MigrateHandler operation
			driver = ref.Driver
		}
		h, err := s.handlerFor(driver)
		if err != nil {
			metrics.ItemWrites.WithLabelValues(string(driver), "error").Inc()
			return &record.WriteError{Op: "select-handler", ID: it.UUID, Err: err}
		}
		newRef, err := h.Write(ctx, it.UUID, it.Payload, nil)
		if err != nil {
			metrics.ItemWrites.WithLabelValues(string(driver), "error").Inc()
			return err
		}
		ref = &newRef
		driverLabel = string(driver)
		metrics.PayloadBytes.WithLabelValues(string(driver)).Observe(float64(it.Payload.NumBytes()))
	}
	rec := fromItem(it, ref)
	prevDoc := s.doc
	prevItems := append([]ItemRecord(nil), s.doc.Items...)
	if exists {
		s.doc.Items[i] = rec
	} else {
		s.doc.Items = append(s.doc.Items, rec)
	}
	s.doc.Modified = time.Now().UTC()
	if err := WriteIndex(s.dir, s.doc); err != nil {
		s.doc = prevDoc
		s.doc.Items = prevItems
		metrics.ItemWrites.WithLabelValues(driverLabel, "error").Inc()
		return &record.WriteError{Op: "index", ID: it.UUID, Err: err}
	}
	metrics.ItemWrites.WithLabelValues(driverLabel, "ok").Inc()
	slog.Debug("item written", "uuid", it.UUID, "type", it.Type, "driver", driverLabel)
	return nil
}

// DeleteItem removes the item from the index and deletes its payload.
// References to the item held by other items are dropped; the referencing
// items themselves are orphaned, never cascade-deleted. Deleting an absent
// item is not an error.
func (s *System) DeleteItem(ctx context.Context, id uuid.UUID) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if s.migrationNeeded {
		return ErrMigrationRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(id)
	if !ok {
		metrics.ItemDeletes.WithLabelValues("absent").Inc()
		return nil
	}
	rec := s.doc.Items[i]
	prevItems := append([]ItemRecord(nil), s.doc.Items...)
	prevModified := s.doc.Modified
	s.doc.Items = append(s.doc.Items[:i], s.doc.Items[i+1:]...)
	for j := range s.doc.Items {
		stripReference(&s.doc.Items[j], id)
	}
	s.doc.Modified = time.Now().UTC()
	if err := WriteIndex(s.dir, s.doc); err != nil {
		s.doc.Items = prevItems
		s.doc.Modified = prevModified
		metrics.ItemDeletes.WithLabelValues("error").Inc()
		return &record.WriteError{Op: "index", ID: id, Err: err}
	}
	if rec.Payload != nil {
		h, err := s.handlerFor(rec.Payload.Driver)
		if err != nil {
			return err
		}
		if err := h.Delete(ctx, *rec.Payload); err != nil {
			metrics.ItemDeletes.WithLabelValues("error").Inc()
			return err
		}
	}
	metrics.ItemDeletes.WithLabelValues("ok").Inc()
	slog.Debug("item deleted", "uuid", id)
	return nil
}

func stripReference(rec *ItemRecord, id uuid.UUID) {
	for name, ids := range rec.References {
		kept := ids[:0]
		for _, ref := range ids {
			if ref != id {
				kept = append(kept, ref)
			}
		}
		if len(kept) == 0 {
			delete(rec.References, name)
		} else {
			rec.References[name] = kept
		}
	}
}

// WritePartial forwards a sub-region write to the handler owning the item's
// payload. Handlers without the capability return core.ErrUnsupported.
func (s *System) WritePartial(ctx context.Context, id uuid.UUID, region record.Region, arr *record.Array) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if s.migrationNeeded {
		return ErrMigrationRequired
	}
	s.mu.Lock()
	i, ok := s.find(id)
	if !ok || s.doc.Items[i].Payload == nil {
		s.mu.Unlock()
		return &record.NotFoundError{ID: id}
	}
	ref := *s.doc.Items[i].Payload
	h, err := s.handlerFor(ref.Driver)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return h.WritePartial(ctx, ref, region, arr)
}

// MigrateHandler moves the item's payload to the target backend. Switching
// backends never happens implicitly; this is the one operation that does it.
func (s *System) MigrateHandler(ctx context.Context, id uuid.UUID, target core.Driver) error {
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if s.migrationNeeded {
		return ErrMigrationRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(id)
	if !ok {
		return &record.NotFoundError{ID: id}
	}
	rec := s.doc.Items[i]
	if rec.Payload == nil {
		return fmt.Errorf("filestore: item %s has no payload", id)
	}
	if rec.Payload.Driver == target {
		return nil
	}
	src, err := s.handlerFor(rec.Payload.Driver)
	if err != nil {
		return err
	}
	dst, err := s.handlerFor(target)
	if err != nil {
		return err
	}
	arr, meta, err := src.Read(ctx, *rec.Payload)
	if err != nil {
		return err
	}
	newRef, err := dst.Write(ctx, id, arr, meta)
	if err != nil {
		return err
	}
	oldRef := *rec.Payload
	prev := s.doc.Items[i]
	s.doc.Items[i].Payload = &newRef
	s.doc.Modified = time.Now().UTC()
	if err := WriteIndex(s.dir, s.doc); err != nil {
		s.doc.Items[i] = prev
		return &record.WriteError{Op: "index", ID: id, Err: err}
	}
	// old payload removed only after the index points at the new one
	return src.Delete(ctx, oldRef)
}

// Close releases the payload handlers and the project lock.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, h := range s.handlers {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.releaseLock()
	return errors.Join(errs...)
}
