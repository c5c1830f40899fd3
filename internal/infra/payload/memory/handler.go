// Package memory implements an in-memory payload Handler for tests and
// ephemeral projects.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
)

type entry struct {
	arr  *record.Array
	meta map[string]any
}

// Handler implements core.Handler backed by process memory. It supports
// partial writes, which makes it the reference implementation for the
// sub-region contract in handler tests.
type Handler struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an in-memory payload handler.
func New() *Handler { return &Handler{entries: make(map[string]entry)} }

// Driver returns the payload driver identifier.
func (h *Handler) Driver() core.Driver { return core.DriverMemory }

// SupportsPartialWrite reports true.
func (h *Handler) SupportsPartialWrite() bool { return true }

// Close is a no-op.
func (h *Handler) Close() error { return nil }

// Write stores a deep copy of the payload, overwriting any previous one.
func (h *Handler) Write(_ context.Context, id uuid.UUID, arr *record.Array, meta map[string]any) (core.Ref, error) {
	if err := arr.Validate(); err != nil {
		return core.Ref{}, &record.WriteError{Op: "memory", ID: id, Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[id.String()] = entry{arr: arr.Clone(), meta: cloneMeta(meta)}
	return core.Ref{Driver: core.DriverMemory, Locator: id.String()}, nil
}

// Read returns a deep copy of the stored payload.
func (h *Handler) Read(_ context.Context, ref core.Ref) (*record.Array, map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[ref.Locator]
	if !ok {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: fmt.Errorf("payload missing")}
	}
	return e.arr.Clone(), cloneMeta(e.meta), nil
}

// Delete removes the payload; missing payloads are ignored.
func (h *Handler) Delete(_ context.Context, ref core.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, ref.Locator)
	return nil
}

// WritePartial applies the region to the stored array in place.
func (h *Handler) WritePartial(_ context.Context, ref core.Ref, region record.Region, src *record.Array) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[ref.Locator]
	if !ok {
		return &record.ReadError{Locator: ref.Locator, Err: fmt.Errorf("payload missing")}
	}
	if err := record.ApplyRegion(e.arr, region, src); err != nil {
		return &record.WriteError{Op: "memory-partial", Err: err}
	}
	return nil
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
