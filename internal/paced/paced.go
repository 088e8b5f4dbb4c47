// Package paced implements spec §4.K's paced-mutations subsystem:
// debounce, throttle, queue, and dependency-queue strategies layered over
// the transaction core. The debounce/throttle timer bookkeeping (a
// sequence number guarding a reset time.AfterFunc) is grounded on the
// teacher's cmd/bd Debouncer, generalized from "batch filesystem events
// into one callback" to "batch mutate() calls into one transaction".
package paced

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arborq/arbor/internal/txn"
)

// Strategy selects a paced-mutation batching policy (spec §4.K).
type Strategy string

const (
	StrategyDebounce        Strategy = "debounce"
	StrategyThrottle        Strategy = "throttle"
	StrategyQueue           Strategy = "queue"
	StrategyDependencyQueue Strategy = "dependency-queue"
)

// StrategyConfig parameterizes the chosen Strategy. Wait is the window
// length for debounce/throttle and a delay before each queue commit;
// dependency-queue does not use it. Leading/Trailing apply to
// debounce/throttle only; RetryPolicy
// applies to queue/dependency-queue only and is off by default (a
// domain-stack addition beyond spec.md, per SPEC_FULL §6).
type StrategyConfig struct {
	Kind     Strategy
	Wait     time.Duration
	Leading  bool // debounce: commit on the leading edge instead of trailing. throttle: always true.
	Trailing bool // throttle only: also commit a second, trailing-edge transaction.

	RetryPolicy backoff.BackOff
}

// Config configures one paced-mutation instance (spec §4.K
// createPacedMutations).
type Config[V any] struct {
	Manager *txn.Manager
	// OnMutate applies the optimistic collection operation(s) for one
	// mutate() call: ctx carries the batch's transaction as the ambient
	// transaction (txn.AmbientFrom), so OnMutate can call ordinary
	// Collection.Insert/Update/Delete and have them merge into it. It must
	// be synchronous (spec §4.K).
	OnMutate   func(ctx context.Context, variables V)
	MutationFn txn.MutationFn
	Strategy   StrategyConfig
}

// MutateOptions carries mutate()'s optional dependsOn list.
type MutateOptions struct {
	DependsOn []*txn.Transaction
}

// PacedMutations is the handle returned by createPacedMutations: repeated
// Mutate calls are batched, serialized, or parallelized onto transactions
// per the configured Strategy.
type PacedMutations[V any] struct {
	mgr        *txn.Manager
	onMutate   func(ctx context.Context, variables V)
	mutationFn txn.MutationFn
	strategy   StrategyConfig

	mu                  sync.Mutex
	pending             *txn.Transaction // debounce/throttle: the current window's transaction
	timer               *time.Timer
	seq                 uint64
	windowCommitted     bool // debounce: the window's single (leading-edge) commit already fired
	trailingEstablished bool // throttle: a trailing transaction has been opened for the current window

	lastQueued *txn.Transaction // queue: tail of the serialized chain

	depTails map[string]*txn.Transaction // dependency-queue: (collection,key) -> latest transaction touching it
}

// New constructs a PacedMutations instance. When cfg.Strategy.RetryPolicy
// is set (queue/dependency-queue only), MutationFn is wrapped so each
// commit attempt retries the underlying persistence call, not the
// transaction's state transition itself — a transaction only ever
// commits once; what repeats is the network operation inside it.
func New[V any](cfg Config[V]) *PacedMutations[V] {
	mutationFn := cfg.MutationFn
	retryable := cfg.Strategy.Kind == StrategyQueue || cfg.Strategy.Kind == StrategyDependencyQueue
	if cfg.Strategy.RetryPolicy != nil && retryable {
		inner := mutationFn
		policy := cfg.Strategy.RetryPolicy
		mutationFn = func(ctx context.Context, tx *txn.Transaction) error {
			return backoff.Retry(func() error { return inner(ctx, tx) }, backoff.WithContext(policy, ctx))
		}
	}
	return &PacedMutations[V]{
		mgr:        cfg.Manager,
		onMutate:   cfg.OnMutate,
		mutationFn: mutationFn,
		strategy:   cfg.Strategy,
		depTails:   make(map[string]*txn.Transaction),
	}
}

// Mutate applies variables through the configured strategy and returns the
// transaction variables was merged into.
func (p *PacedMutations[V]) Mutate(variables V, opts MutateOptions) *txn.Transaction {
	switch p.strategy.Kind {
	case StrategyDebounce:
		return p.debounceMutate(variables, opts)
	case StrategyThrottle:
		return p.throttleMutate(variables, opts)
	case StrategyQueue:
		return p.queueMutate(variables, opts)
	case StrategyDependencyQueue:
		return p.dependencyQueueMutate(variables, opts)
	default:
		panic(fmt.Sprintf("paced: unknown strategy %q", p.strategy.Kind))
	}
}

// commit fires tx's single commit, unless it was already rolled back
// externally before the strategy got to it — which is silently skipped,
// not an error (spec §4.K).
func (p *PacedMutations[V]) commit(tx *txn.Transaction) {
	if tx.State() != txn.StatePending {
		return
	}
	_ = tx.Commit(context.Background())
}

// apply invokes onMutate with tx bound as the ambient transaction.
func (p *PacedMutations[V]) apply(tx *txn.Transaction, vars V) {
	p.onMutate(txn.WithAmbient(context.Background(), tx), vars)
}

// --- debounce ---

func (p *PacedMutations[V]) debounceMutate(vars V, opts MutateOptions) *txn.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	startingNewWindow := p.pending == nil || p.windowCommitted
	if startingNewWindow {
		p.pending = p.mgr.Begin(p.mutationFn, false, nil, opts.DependsOn)
		p.windowCommitted = false
	}
	tx := p.pending
	p.apply(tx, vars)

	if startingNewWindow && p.strategy.Leading {
		p.windowCommitted = true
		go p.commit(tx)
	}

	p.rearmWindowTimerLocked()
	return tx
}

// rearmWindowTimerLocked (re)schedules the debounce/throttle window-close
// callback, invalidating any timer already in flight via a sequence
// number rather than relying on Timer.Stop()'s race-prone return value —
// the same technique the teacher's Debouncer uses.
func (p *PacedMutations[V]) rearmWindowTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	seq := p.seq
	p.timer = time.AfterFunc(p.strategy.Wait, func() { p.onWindowClose(seq) })
}

// onWindowClose closes the current debounce/throttle window and commits
// whatever transaction is pending. commit is idempotent against a
// transaction that already left StatePending (debounce's leading commit,
// throttle's immediately-committed leading transaction), so there is no
// need to track here whether that already happened.
func (p *PacedMutations[V]) onWindowClose(seq uint64) {
	p.mu.Lock()
	if p.seq != seq {
		p.mu.Unlock()
		return
	}
	tx := p.pending
	p.pending = nil
	p.timer = nil
	p.windowCommitted = false
	p.trailingEstablished = false
	p.mu.Unlock()

	if tx != nil {
		p.commit(tx)
	}
}

// --- throttle ---

func (p *PacedMutations[V]) throttleMutate(vars V, opts MutateOptions) *txn.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		// Leading edge of a fresh window: its own transaction, committed now.
		lead := p.mgr.Begin(p.mutationFn, false, nil, opts.DependsOn)
		p.apply(lead, vars)
		go p.commit(lead)

		p.pending = lead // marks the window as open; superseded by the trailing tx below once one exists
		p.rearmWindowTimerLocked()
		return lead
	}

	if p.trailingEstablished {
		// A trailing transaction already exists for this window; keep
		// batching into it.
		tx := p.pending
		p.apply(tx, vars)
		return tx
	}

	if !p.strategy.Trailing {
		// Trailing edge disabled: calls arriving after the leading commit
		// are dropped for the rest of this window, mirroring a plain
		// leading-only throttle.
		return p.pending
	}

	// Second call within the window: open the trailing transaction.
	trailing := p.mgr.Begin(p.mutationFn, false, nil, opts.DependsOn)
	p.apply(trailing, vars)
	p.pending = trailing
	p.trailingEstablished = true
	return trailing
}

// --- queue ---

func (p *PacedMutations[V]) queueMutate(vars V, opts MutateOptions) *txn.Transaction {
	tx := p.mgr.Begin(p.mutationFn, false, nil, opts.DependsOn)
	p.apply(tx, vars)

	p.mu.Lock()
	prev := p.lastQueued
	p.lastQueued = tx
	p.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev.Done()
		}
		if p.strategy.Wait > 0 {
			time.Sleep(p.strategy.Wait)
		}
		p.commit(tx)
	}()
	return tx
}

// --- dependency-queue ---

func (p *PacedMutations[V]) dependencyQueueMutate(vars V, opts MutateOptions) *txn.Transaction {
	tx := p.mgr.Begin(p.mutationFn, false, nil, opts.DependsOn)
	p.apply(tx, vars)

	p.mu.Lock()
	seen := make(map[*txn.Transaction]bool)
	var waitFor []*txn.Transaction
	for _, m := range tx.Mutations() {
		k := mutationKey(m)
		if prev, ok := p.depTails[k]; ok && prev != tx && !seen[prev] {
			seen[prev] = true
			waitFor = append(waitFor, prev)
		}
		p.depTails[k] = tx
	}
	p.mu.Unlock()

	go func() {
		for _, prev := range waitFor {
			<-prev.Done()
		}
		p.commit(tx)
	}()
	return tx
}

func mutationKey(m *txn.PendingMutation) string {
	return fmt.Sprintf("%s\x1f%v", m.Collection.CollectionID(), m.Key)
}
