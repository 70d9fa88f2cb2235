package models

import "errors"

// Investigation error taxonomy. Only ErrInvalidAlert and a retry-exhausted
// ErrStoreUnavailable are fatal to a case; everything else degrades so the
// workflow still reaches a terminal state.
var (
	// ErrInvalidAlert means the alert has no resolvable suspect account.
	ErrInvalidAlert = errors.New("invalid alert: no resolvable suspect account")

	// ErrBudgetExhausted is a control-flow signal, not a failure: the stage
	// that would exceed a budget ceiling is skipped and the policy stops.
	ErrBudgetExhausted = errors.New("exploration budget exhausted")

	// ErrStoreUnavailable marks a transient graph-store outage.
	ErrStoreUnavailable = errors.New("graph store unavailable")

	// ErrReasoningUnavailable marks an unreachable or unparseable reasoning
	// service; callers fail open to the deterministic heuristic.
	ErrReasoningUnavailable = errors.New("reasoning service unavailable")

	// ErrInconsistentSubgraph marks an edge referencing a node that was never
	// fetched; such edges are dropped with a warning, never fatal.
	ErrInconsistentSubgraph = errors.New("edge references unknown node")
)
