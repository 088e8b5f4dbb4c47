// Package errs defines the typed error kinds shared across the collection,
// transaction, query, and dataflow subsystems.
package errs

import "fmt"

// ConfigError reports a missing, unknown, or invalid configuration field.
// Suggestion holds the closest valid field name, if one was found.
type ConfigError struct {
	Field      string
	Reason     string
	Suggestion string
}

func (e *ConfigError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("config: %s: %s (did you mean %q?)", e.Field, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ValidationIssue is a single schema-validator complaint.
type ValidationIssue struct {
	Message string
	Path    []string
}

// SchemaValidationError carries the issues a schema validator returned
// for an insert or update.
type SchemaValidationError struct {
	Type   string // "insert" | "update"
	Issues []ValidationIssue
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %d issue(s)", e.Type, len(e.Issues))
}

// DuplicateKeyError reports an insert against a key already present in the
// derived view (user-origin) or in syncedData (sync-origin).
type DuplicateKeyError struct {
	Key    any
	Origin string // "user" | "sync"
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %v (origin=%s)", e.Key, e.Origin)
}

// UnknownKeyError reports an update or delete against a key not present in
// the derived view.
type UnknownKeyError struct {
	Key any
	Op  string // "update" | "delete"
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown key %v for %s", e.Key, e.Op)
}

// EmptyKeysError reports an update or delete invoked with an empty key
// array.
type EmptyKeysError struct {
	Op string // "update" | "delete"
}

func (e *EmptyKeysError) Error() string {
	return fmt.Sprintf("%s: empty key array", e.Op)
}

// KeyMutationError reports an update whose modified value changed the
// item's primary key.
type KeyMutationError struct {
	OriginalKey any
	ModifiedKey any
}

func (e *KeyMutationError) Error() string {
	return fmt.Sprintf("update changed primary key from %v to %v", e.OriginalKey, e.ModifiedKey)
}

// MissingHandlerError reports a direct collection operation (not inside an
// ambient transaction) with no onInsert/onUpdate/onDelete configured.
type MissingHandlerError struct {
	Op string // "insert" | "update" | "delete"
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("no on%s handler configured for direct %s", capitalize(e.Op), e.Op)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// TransactionStateError reports a mutate/commit/rollback call against a
// transaction in the wrong state.
type TransactionStateError struct {
	TransactionID string
	State         string
	Op            string
}

func (e *TransactionStateError) Error() string {
	return fmt.Sprintf("transaction %s: cannot %s while in state %s", e.TransactionID, e.Op, e.State)
}

// DependencyError reports a scheduler cycle among in-context jobs.
type DependencyError struct {
	ContextID string
	Cycle     []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("unresolved dependencies in context %s: cycle %v", e.ContextID, e.Cycle)
}

// StorageError reports a StorageApi failure: unavailable, serialization
// failed, or an invalid persisted format.
type StorageError struct {
	Op     string
	Reason string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Reason)
}

// QueryValidationError reports a structurally invalid Query IR: limit
// without orderBy, illegal aggregate placement, or an unknown expression.
type QueryValidationError struct {
	Reason string
}

func (e *QueryValidationError) Error() string {
	return fmt.Sprintf("query validation: %s", e.Reason)
}

// DataflowSafetyError is a diagnostic error raised when a dataflow tick
// loop exceeds its safety cap — it indicates a bug in operator ordering or
// predicate coverage, not a recoverable runtime condition.
type DataflowSafetyError struct {
	TickCount int
	NodeID    int
}

func (e *DataflowSafetyError) Error() string {
	return fmt.Sprintf("dataflow safety cap exceeded at node %d after %d ticks", e.NodeID, e.TickCount)
}
