// Package project is the surface the application layers talk to: open a
// project location, read and write persistent items, batch mutations in
// transactions, and migrate old projects. It owns the dirty-item buffer
// sitting between in-memory objects and the file storage system.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"projectcore/internal/filestore"
	"projectcore/internal/metrics"
	"projectcore/internal/migration"
	"projectcore/pkg/record"
	"projectcore/pkg/schema"
)

// Options tunes an open project.
type Options struct {
	// ArchiveMaxBytes is the payload size above which new items are stored
	// by the chunk backend (default filestore.DefaultArchiveMaxBytes).
	ArchiveMaxBytes int
	// ChunkSize is the chunk backend row size.
	ChunkSize int
	// IdleClose closes the chunk database handle after inactivity.
	IdleClose time.Duration
	// ReadOnly opens without the project lock and rejects writes.
	ReadOnly bool
	// FallbackReadOnly reopens read-only when another process holds the
	// project lock instead of failing the open.
	FallbackReadOnly bool
}

// Project is a handle on one open project. It is safe for use from multiple
// goroutines; storage calls are blocking and callers on latency-sensitive
// threads should dispatch them to a worker.
type Project struct {
	opts Options
	fs   *filestore.System

	mu       sync.Mutex
	readOnly bool
	loadErrs []filestore.LoadError
	txDepth  int
	pending  map[uuid.UUID]*record.Item
	order    []uuid.UUID
}

// Open opens the project at dir, creating it when empty, and loads every
// item once to surface unreadable ones. Items that fail to load are
// reported via LoadErrors; the rest of the project remains usable.
func Open(ctx context.Context, dir string, opts Options) (*Project, error) {
	fsOpts := filestore.Options{
		ArchiveMaxBytes: opts.ArchiveMaxBytes,
		ChunkSize:       opts.ChunkSize,
		IdleClose:       opts.IdleClose,
		ReadOnly:        opts.ReadOnly,
	}
	readOnly := opts.ReadOnly
	fs, err := filestore.Open(dir, fsOpts)
	var lockErr *record.LockConflictError
	if errors.As(err, &lockErr) && opts.FallbackReadOnly {
		slog.Warn("project locked by another process, reopening read-only", "path", lockErr.Path)
		fsOpts.ReadOnly = true
		readOnly = true
		fs, err = filestore.Open(dir, fsOpts)
	}
	if err != nil {
		return nil, err
	}
	p := &Project{
		opts:     opts,
		fs:       fs,
		readOnly: readOnly,
		pending:  map[uuid.UUID]*record.Item{},
	}
	_, loadErrs, err := fs.Load(ctx)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	p.loadErrs = loadErrs
	return p, nil
}

// Dir returns the project directory, which changes after MigrateIfNeeded.
func (p *Project) Dir() string { return p.fs.Dir() }

// UUID returns the project identity.
func (p *Project) UUID() uuid.UUID { return p.fs.ProjectUUID() }

// Version returns the project's on-disk schema version.
func (p *Project) Version() int { return p.fs.Version() }

// ReadOnly reports whether writes are rejected on this handle.
func (p *Project) ReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}

// MigrationRequired reports whether the project must be migrated before
// it accepts writes.
func (p *Project) MigrationRequired() bool { return p.fs.MigrationRequired() }

// LoadErrors returns the per-item failures from the initial load.
func (p *Project) LoadErrors() []filestore.LoadError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]filestore.LoadError(nil), p.loadErrs...)
}

// Items returns metadata snapshots of every item in the project.
func (p *Project) Items() []*record.Item { return p.fs.Items() }

// ReadItem returns a deep copy of the item with the given identity,
// including its payload. Inside a transaction the buffered state wins over
// the stored one.
func (p *Project) ReadItem(ctx context.Context, id uuid.UUID) (*record.Item, error) {
	p.mu.Lock()
	if it, ok := p.pending[id]; ok {
		clone := it.Clone()
		p.mu.Unlock()
		return clone, nil
	}
	p.mu.Unlock()
	return p.fs.ReadItem(ctx, id)
}

// WriteItem persists the item. Outside a transaction the write flushes
// immediately; inside one it is buffered and coalesced, so only the state
// at transaction end reaches disk.
func (p *Project) WriteItem(ctx context.Context, it *record.Item) error {
	p.mu.Lock()
	if p.txDepth > 0 {
		if _, ok := p.pending[it.UUID]; !ok {
			p.order = append(p.order, it.UUID)
		} else {
			metrics.CoalescedWrites.Inc()
		}
		p.pending[it.UUID] = it.Clone()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	it.Touch()
	return p.fs.WriteItem(ctx, it)
}

// SetProperty sets one property on a stored item and persists it through
// the same buffered or immediate path as WriteItem. The property must be
// part of the item's schema.
func (p *Project) SetProperty(ctx context.Context, id uuid.UUID, key string, value any) error {
	it, err := p.ReadItem(ctx, id)
	if err != nil {
		return err
	}
	it.Properties[key] = value
	if err := schema.Validate(it); err != nil {
		return err
	}
	return p.WriteItem(ctx, it)
}

// DeleteItem removes the item from the project. A buffered write for the
// same identity is dropped; the delete itself is never buffered.
func (p *Project) DeleteItem(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	if _, ok := p.pending[id]; ok {
		delete(p.pending, id)
		for i, pid := range p.order {
			if pid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	return p.fs.DeleteItem(ctx, id)
}

// WritePartial updates a sub-region of an item's stored array in place.
// Only chunk-backed items support this; others return the handler's
// unsupported error.
func (p *Project) WritePartial(ctx context.Context, id uuid.UUID, region record.Region, arr *record.Array) error {
	return p.fs.WritePartial(ctx, id, region, arr)
}

// Transaction is one open mutation batch. End must be called on every exit
// path; deferring it right after BeginTransaction is the expected shape.
type Transaction struct {
	p    *Project
	done bool
}

// BeginTransaction opens a mutation batch. Writes issued until End are
// buffered in memory and coalesced per item. Transactions nest; only the
// outermost End flushes.
func (p *Project) BeginTransaction() *Transaction {
	p.mu.Lock()
	p.txDepth++
	p.mu.Unlock()
	return &Transaction{p: p}
}

// End closes the batch. With discard set the buffered writes are dropped;
// otherwise the outermost End flushes them. Per-item flush failures
// discard only the failing item, the rest still reach disk, and the
// joined error reports every failure. End is idempotent.
func (t *Transaction) End(ctx context.Context, discard bool) error {
	if t.done {
		return nil
	}
	t.done = true
	p := t.p

	p.mu.Lock()
	p.txDepth--
	if p.txDepth > 0 {
		p.mu.Unlock()
		return nil
	}
	items := make([]*record.Item, 0, len(p.order))
	for _, id := range p.order {
		items = append(items, p.pending[id])
	}
	p.pending = map[uuid.UUID]*record.Item{}
	p.order = nil
	p.mu.Unlock()

	if discard || len(items) == 0 {
		return nil
	}
	var errs []error
	for _, it := range items {
		it.Touch()
		if err := p.fs.WriteItem(ctx, it); err != nil {
			errs = append(errs, fmt.Errorf("flush item %s: %w", it.UUID, err))
		}
	}
	if len(errs) > 0 {
		metrics.TransactionFlushes.WithLabelValues("error").Inc()
		return errors.Join(errs...)
	}
	metrics.TransactionFlushes.WithLabelValues("ok").Inc()
	return nil
}

// MigrateIfNeeded migrates an old project into a sibling directory and
// reopens the handle there. A current project is a no-op. The source
// project is left untouched at its original path.
func (p *Project) MigrateIfNeeded(ctx context.Context) (migration.Report, error) {
	var report migration.Report
	if !p.fs.MigrationRequired() {
		return report, nil
	}
	p.mu.Lock()
	if p.readOnly {
		p.mu.Unlock()
		return report, filestore.ErrReadOnly
	}
	if p.txDepth > 0 {
		p.mu.Unlock()
		return report, errors.New("project: cannot migrate with an open transaction")
	}
	p.mu.Unlock()

	src := p.fs.Dir()
	dst := fmt.Sprintf("%s-v%d", src, schema.CurrentVersion)
	if err := p.fs.Close(); err != nil {
		return report, err
	}
	report, err := migration.Migrate(ctx, src, dst)
	if err != nil {
		// Reopen the untouched source so the handle stays usable.
		fs, openErr := filestore.Open(src, filestore.Options{
			ArchiveMaxBytes: p.opts.ArchiveMaxBytes,
			ChunkSize:       p.opts.ChunkSize,
			IdleClose:       p.opts.IdleClose,
		})
		if openErr != nil {
			return report, errors.Join(err, openErr)
		}
		p.fs = fs
		return report, err
	}
	fs, err := filestore.Open(dst, filestore.Options{
		ArchiveMaxBytes: p.opts.ArchiveMaxBytes,
		ChunkSize:       p.opts.ChunkSize,
		IdleClose:       p.opts.IdleClose,
	})
	if err != nil {
		return report, err
	}
	p.fs = fs
	slog.Info("project migrated", "from", src, "to", dst,
		"from_version", report.FromVersion, "to_version", report.ToVersion,
		"items", report.Items, "created", report.CreatedItems)
	return report, nil
}

// Close flushes nothing: an open transaction at close time is a caller
// bug and its buffered writes are dropped. The storage system and its
// handlers are shut down.
func (p *Project) Close() error {
	p.mu.Lock()
	if p.txDepth > 0 {
		slog.Warn("project closed with an open transaction, buffered writes dropped",
			"buffered", len(p.pending))
	}
	p.pending = map[uuid.UUID]*record.Item{}
	p.order = nil
	p.txDepth = 0
	p.mu.Unlock()
	return p.fs.Close()
}
