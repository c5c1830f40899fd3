// Package archive implements the self-contained single-file payload backend.
// Each payload is one container file holding a JSON header (dtype, shape,
// item metadata) followed by the raw array block, so an item can be copied
// or transported as a single file.
package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
)

// Container layout: magic, format version, header length, JSON header, raw
// little-endian array block. The header carries everything needed to size
// and interpret the block, so a truncated file is always detectable.
var magic = [4]byte{'P', 'C', 'A', 'R'}

const (
	formatVersion = 1
	ext           = ".ndar"
)

type header struct {
	UUID      uuid.UUID      `json:"uuid"`
	DType     record.DType   `json:"dtype"`
	Shape     []int          `json:"shape"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	WrittenAt time.Time      `json:"written_at"`
}

// Handler implements core.Handler over per-item container files under root.
type Handler struct {
	root string
}

// New returns an archive handler rooted at dir, creating it if needed.
func New(dir string) (*Handler, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: root directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Handler{root: dir}, nil
}

// Driver returns the payload driver identifier.
func (h *Handler) Driver() core.Driver { return core.DriverArchive }

// SupportsPartialWrite reports false: the container is rewritten whole.
func (h *Handler) SupportsPartialWrite() bool { return false }

// Close is a no-op; the handler holds no open files between calls.
func (h *Handler) Close() error { return nil }

// locator maps an item UUID to the container file name stored in the index.
func locator(id uuid.UUID) string { return id.String() + ext }

func (h *Handler) pathFor(ref core.Ref) (string, error) {
	loc := ref.Locator
	if loc == "" || strings.Contains(loc, "..") || strings.ContainsRune(loc, os.PathSeparator) {
		return "", fmt.Errorf("archive: invalid locator %q", loc)
	}
	return filepath.Join(h.root, loc), nil
}

// Encode renders the container bytes for a payload. Shared with the remote
// backend, which stores the same container format as opaque objects.
func Encode(id uuid.UUID, arr *record.Array, meta map[string]any) ([]byte, error) {
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	hdr, err := json.Marshal(header{UUID: id, DType: arr.DType, Shape: arr.Shape, Metadata: meta, WrittenAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 10+len(hdr)+len(arr.Data))
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, formatVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, arr.Data...)
	return out, nil
}

// Decode parses container bytes, validating magic, header, and block length.
func Decode(raw []byte) (*record.Array, map[string]any, error) {
	var hdr header
	if len(raw) < 10 {
		return nil, nil, fmt.Errorf("truncated container (%d bytes)", len(raw))
	}
	if string(raw[:4]) != string(magic[:]) {
		return nil, nil, fmt.Errorf("bad magic %q", raw[:4])
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v != formatVersion {
		return nil, nil, fmt.Errorf("unsupported container version %d", v)
	}
	hdrLen := int(binary.LittleEndian.Uint32(raw[6:10]))
	if hdrLen < 0 || len(raw) < 10+hdrLen {
		return nil, nil, fmt.Errorf("truncated header (%d of %d bytes)", len(raw)-10, hdrLen)
	}
	if err := json.Unmarshal(raw[10:10+hdrLen], &hdr); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	arr := &record.Array{DType: hdr.DType, Shape: hdr.Shape, Data: raw[10+hdrLen:]}
	if err := arr.Validate(); err != nil {
		return nil, nil, err
	}
	return arr, hdr.Metadata, nil
}

// Write persists the payload as a fresh container file, replacing any
// previous file for the same item via atomic rename.
func (h *Handler) Write(_ context.Context, id uuid.UUID, arr *record.Array, meta map[string]any) (core.Ref, error) {
	ref := core.Ref{Driver: core.DriverArchive, Locator: locator(id)}
	path, err := h.pathFor(ref)
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	raw, err := Encode(id, arr, meta)
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	tmp, err := os.CreateTemp(h.root, ".tmp-*")
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	// atomically move into place; overwrite is the repeat-write contract
	if err := os.Rename(tmp.Name(), path); err != nil {
		return core.Ref{}, &record.WriteError{Op: "archive", ID: id, Err: err}
	}
	return ref, nil
}

// Read loads the container, validating magic, header, and block length.
func (h *Handler) Read(_ context.Context, ref core.Ref) (*record.Array, map[string]any, error) {
	path, err := h.pathFor(ref)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	arr, meta, err := Decode(raw)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	return arr, meta, nil
}

// Delete removes the container file; a missing file is not an error.
func (h *Handler) Delete(_ context.Context, ref core.Ref) error {
	path, err := h.pathFor(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WritePartial is not supported by the archive container.
func (h *Handler) WritePartial(context.Context, core.Ref, record.Region, *record.Array) error {
	return core.ErrUnsupported
}
