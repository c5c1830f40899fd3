package record

import (
	"fmt"

	"github.com/google/uuid"
)

// SchemaError reports a record that cannot be brought to the current schema:
// no upgrade path exists from its version or a field carries an unsupported
// type. It is fatal for the affected item only, never for the project.
type SchemaError struct {
	Type        Type
	FromVersion int
	Reason      string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s v%d: %s", e.Type, e.FromVersion, e.Reason)
}

// ReadError reports a missing or corrupt payload or index record. Callers
// treat it as recoverable per item: the item is surfaced as unreadable and
// the rest of the project stays usable.
type ReadError struct {
	ID      uuid.UUID
	Locator string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s (%s): %v", e.ID, e.Locator, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a failed persist operation (disk full, permissions).
// It aborts the current operation; the index is never partially updated.
type WriteError struct {
	Op  string
	ID  uuid.UUID
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// MigrationError reports a failed migration step. The source project is left
// untouched and any partial destination is discarded.
type MigrationError struct {
	Step   string
	ItemID uuid.UUID
	Err    error
}

func (e *MigrationError) Error() string {
	if e.ItemID == uuid.Nil {
		return fmt.Sprintf("migration step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("migration step %s (item %s): %v", e.Step, e.ItemID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// LockConflictError reports that another process holds the project lock.
// It is advisory: the caller decides whether to proceed read-only.
type LockConflictError struct {
	Path string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("project locked by another process: %s", e.Path)
}

// NotFoundError reports that no item with the given UUID exists in the index.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item not found: %s", e.ID)
}
