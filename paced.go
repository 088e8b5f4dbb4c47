package arbor

import "github.com/arborq/arbor/internal/paced"

// Paced mutations (spec §4.K): debounce/throttle/queue/dependency-queue
// batching strategies layered over the transaction core.
type (
	PacedMutations[V any] = paced.PacedMutations[V]
	PacedConfig[V any]    = paced.Config[V]
	PacedStrategy         = paced.StrategyConfig
	PacedStrategyKind     = paced.Strategy
	MutateOptions         = paced.MutateOptions
)

const (
	StrategyDebounce        = paced.StrategyDebounce
	StrategyThrottle        = paced.StrategyThrottle
	StrategyQueue           = paced.StrategyQueue
	StrategyDependencyQueue = paced.StrategyDependencyQueue
)

// NewPacedMutations constructs a paced-mutations handle (spec §4.K
// createPacedMutations).
func NewPacedMutations[V any](cfg PacedConfig[V]) *PacedMutations[V] {
	return paced.New(cfg)
}
