// Package gen contains the generation orchestration engine: the canonical
// request/asset types, the provider adapter contract, the model registry and
// the orchestrator that coordinates credit reservation, provider dispatch,
// asset persistence and reservation resolution.
//
// Provider-specific wire handling lives in gen/providers; the supporting
// machinery (circuit breaking, bounded polling, URL resolution) lives in the
// sibling subpackages and is reused by every adapter.
package gen
