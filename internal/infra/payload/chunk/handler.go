// Package chunk implements the large-array payload backend over a shared
// per-project SQLite database. Arrays are split into fixed-size chunk rows so
// a streaming acquisition loop can overwrite a sub-region in place without
// rewriting the whole array. Crash consistency comes from the SQLite journal:
// an interrupted write never leaves the database structurally invalid.
package chunk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
)

// DefaultChunkSize is the payload chunk row size. Documented constant: large
// enough to keep row count low for frame-sized arrays, small enough that a
// partial frame update touches few rows.
const DefaultChunkSize = 256 * 1024

// Options tunes the handler.
type Options struct {
	// ChunkSize is the chunk row size in bytes (default DefaultChunkSize).
	ChunkSize int
	// IdleClose closes the lazily opened database handle after this much
	// inactivity. Zero keeps the handle open until Close.
	IdleClose time.Duration
}

// Handler implements core.Handler over chunk rows in one SQLite file.
// A single mutex serializes all access; SQLite access is not safely
// reentrant across goroutines without such serialization.
type Handler struct {
	path string
	opts Options

	mu        sync.Mutex
	db        *sql.DB
	idleTimer *time.Timer
}

// New returns a chunk handler persisting to the database at path. The
// database is opened lazily on first use.
func New(path string, opts Options) (*Handler, error) {
	if path == "" {
		return nil, fmt.Errorf("chunk: database path required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Handler{path: path, opts: opts}, nil
}

// Driver returns the payload driver identifier.
func (h *Handler) Driver() core.Driver { return core.DriverChunk }

// SupportsPartialWrite reports true: sub-region writes update chunk rows in place.
func (h *Handler) SupportsPartialWrite() bool { return true }

// acquire opens the database if needed and arms the idle timer.
// Callers must hold h.mu.
func (h *Handler) acquire() (*sql.DB, error) {
	if h.db == nil {
		db, err := sql.Open("sqlite", h.path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		for _, stmt := range []string{
			`PRAGMA journal_mode=WAL`,
			`PRAGMA busy_timeout=5000`,
			`CREATE TABLE IF NOT EXISTS datasets (
				uuid TEXT PRIMARY KEY,
				dtype TEXT NOT NULL,
				shape TEXT NOT NULL,
				chunk_size INTEGER NOT NULL,
				meta BLOB,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				uuid TEXT NOT NULL,
				seq INTEGER NOT NULL,
				payload BLOB NOT NULL,
				PRIMARY KEY (uuid, seq)
			)`,
		} {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init schema: %w", err)
			}
		}
		h.db = db
	}
	if h.opts.IdleClose > 0 {
		if h.idleTimer != nil {
			h.idleTimer.Stop()
		}
		h.idleTimer = time.AfterFunc(h.opts.IdleClose, h.idleClose)
	}
	return h.db, nil
}

func (h *Handler) idleClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		_ = h.db.Close()
		h.db = nil
	}
}

// Close releases the database handle.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// Write replaces the dataset and all its chunk rows in one transaction.
func (h *Handler) Write(ctx context.Context, id uuid.UUID, arr *record.Array, meta map[string]any) (core.Ref, error) {
	if err := arr.Validate(); err != nil {
		return core.Ref{}, &record.WriteError{Op: "chunk", ID: id, Err: err}
	}
	shape, err := json.Marshal(arr.Shape)
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "chunk", ID: id, Err: err}
	}
	var metaBlob []byte
	if meta != nil {
		if metaBlob, err = json.Marshal(meta); err != nil {
			return core.Ref{}, &record.WriteError{Op: "chunk", ID: id, Err: err}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	db, err := h.acquire()
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "chunk", ID: id, Err: err}
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO datasets(uuid,dtype,shape,chunk_size,meta,updated_at)
			VALUES(?,?,?,?,?,?)
			ON CONFLICT(uuid) DO UPDATE SET dtype=excluded.dtype, shape=excluded.shape,
				chunk_size=excluded.chunk_size, meta=excluded.meta, updated_at=excluded.updated_at`,
			id.String(), string(arr.DType), string(shape), h.opts.ChunkSize, metaBlob, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert dataset: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE uuid=?`, id.String()); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		for seq, off := 0, 0; off < len(arr.Data); seq, off = seq+1, off+h.opts.ChunkSize {
			end := off + h.opts.ChunkSize
			if end > len(arr.Data) {
				end = len(arr.Data)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO chunks(uuid,seq,payload) VALUES(?,?,?)`, id.String(), seq, arr.Data[off:end]); err != nil {
				return fmt.Errorf("insert chunk %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "chunk", ID: id, Err: err}
	}
	return core.Ref{Driver: core.DriverChunk, Locator: id.String()}, nil
}

// Read reassembles the dataset from its chunk rows.
func (h *Handler) Read(ctx context.Context, ref core.Ref) (*record.Array, map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	db, err := h.acquire()
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	ds, err := h.loadDataset(ctx, db, ref.Locator)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	arr := &record.Array{DType: ds.dtype, Shape: ds.shape, Data: make([]byte, 0, ds.numBytes())}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM chunks WHERE uuid=? ORDER BY seq`, ref.Locator)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
		}
		arr.Data = append(arr.Data, payload...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	if err := arr.Validate(); err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	return arr, ds.meta, nil
}

// Delete removes the dataset and its chunks; missing datasets are ignored.
func (h *Handler) Delete(ctx context.Context, ref core.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	db, err := h.acquire()
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE uuid=?`, ref.Locator); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE uuid=?`, ref.Locator)
		return err
	})
}

// WritePartial overwrites the chunk rows covered by the region in one
// transaction, leaving every other byte of the dataset untouched.
func (h *Handler) WritePartial(ctx context.Context, ref core.Ref, region record.Region, src *record.Array) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	db, err := h.acquire()
	if err != nil {
		return &record.WriteError{Op: "chunk-partial", Err: err}
	}
	ds, err := h.loadDataset(ctx, db, ref.Locator)
	if err != nil {
		return &record.ReadError{Locator: ref.Locator, Err: err}
	}
	if src.DType != ds.dtype {
		return &record.WriteError{Op: "chunk-partial", Err: fmt.Errorf("dtype %q does not match dataset dtype %q", src.DType, ds.dtype)}
	}
	if err := region.ValidateSource(src); err != nil {
		return &record.WriteError{Op: "chunk-partial", Err: err}
	}
	es := ds.dtype.Size()
	// modified chunk rows, read and patched at most once each
	patched := map[int][]byte{}
	err = region.EachRun(ds.shape, func(dstElem, srcElem, elems int) error {
		dstByte := dstElem * es
		srcByte := srcElem * es
		remaining := elems * es
		for remaining > 0 {
			seq := dstByte / ds.chunkSize
			inChunk := dstByte % ds.chunkSize
			n := ds.chunkSize - inChunk
			if n > remaining {
				n = remaining
			}
			buf, ok := patched[seq]
			if !ok {
				var err error
				if buf, err = loadChunk(ctx, db, ref.Locator, seq); err != nil {
					return err
				}
				patched[seq] = buf
			}
			if inChunk+n > len(buf) {
				return fmt.Errorf("chunk %d is %d bytes, need %d", seq, len(buf), inChunk+n)
			}
			copy(buf[inChunk:inChunk+n], src.Data[srcByte:srcByte+n])
			dstByte += n
			srcByte += n
			remaining -= n
		}
		return nil
	})
	if err != nil {
		return &record.WriteError{Op: "chunk-partial", Err: err}
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		for seq, buf := range patched {
			if _, err := tx.ExecContext(ctx, `UPDATE chunks SET payload=? WHERE uuid=? AND seq=?`, buf, ref.Locator, seq); err != nil {
				return fmt.Errorf("update chunk %d: %w", seq, err)
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE datasets SET updated_at=? WHERE uuid=?`, time.Now().UTC().Format(time.RFC3339Nano), ref.Locator)
		return err
	})
	if err != nil {
		return &record.WriteError{Op: "chunk-partial", Err: err}
	}
	return nil
}

type dataset struct {
	dtype     record.DType
	shape     []int
	chunkSize int
	meta      map[string]any
}

func (d dataset) numBytes() int {
	n := d.dtype.Size()
	for _, dim := range d.shape {
		n *= dim
	}
	return n
}

func (h *Handler) loadDataset(ctx context.Context, db *sql.DB, locator string) (dataset, error) {
	var ds dataset
	var dtype, shapeJSON string
	var metaBlob []byte
	row := db.QueryRowContext(ctx, `SELECT dtype, shape, chunk_size, meta FROM datasets WHERE uuid=?`, locator)
	if err := row.Scan(&dtype, &shapeJSON, &ds.chunkSize, &metaBlob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ds, fmt.Errorf("dataset missing")
		}
		return ds, err
	}
	ds.dtype = record.DType(dtype)
	if err := json.Unmarshal([]byte(shapeJSON), &ds.shape); err != nil {
		return ds, fmt.Errorf("decode shape: %w", err)
	}
	if ds.chunkSize <= 0 {
		return ds, fmt.Errorf("invalid chunk size %d", ds.chunkSize)
	}
	if len(metaBlob) > 0 {
		if err := json.Unmarshal(metaBlob, &ds.meta); err != nil {
			return ds, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ds, nil
}

func loadChunk(ctx context.Context, db *sql.DB, locator string, seq int) ([]byte, error) {
	var payload []byte
	row := db.QueryRowContext(ctx, `SELECT payload FROM chunks WHERE uuid=? AND seq=?`, locator, seq)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chunk %d missing", seq)
		}
		return nil, err
	}
	return payload, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (retErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		retErr = err
		return retErr
	}
	return tx.Commit()
}
