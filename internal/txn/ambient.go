package txn

import (
	"context"
	"errors"
)

var (
	errRolledBackViaCascade = errors.New("txn: rolled back via cascading rollback of an overlapping transaction")
	errManualRollback       = errors.New("txn: rolled back via rollbackOptimisticUpdates")
)

type ambientKey struct{}

// WithAmbient returns a context carrying tx as the ambient transaction for
// the current call stack. Collection methods called with this context
// attach their mutations to tx instead of opening a new one — the Go
// equivalent of spec §3.2's "transaction.mutate(cb)" dynamic scoping,
// expressed via explicit context propagation rather than a mutable global
// (per spec §9's "global mutable registry" design note: prefer an
// injected, explicit handle over ambient globals).
func WithAmbient(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, ambientKey{}, tx)
}

// AmbientFrom returns the ambient transaction carried by ctx, if any.
func AmbientFrom(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(ambientKey{}).(*Transaction)
	return tx, ok
}
