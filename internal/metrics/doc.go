/*
Package metrics provides Prometheus instrumentation for the generation
engine.

Collector registers counter, histogram and gauge vectors through promauto
under a caller-chosen namespace and exposes typed record methods for each
concern:

  - generation outcomes and end-to-end latency, by provider/model/outcome
  - poll attempts per asynchronous job, by provider
  - credit ledger operations (reserve, capture, release)
  - per-provider circuit state
  - persisted asset sizes
  - served HTTP requests, by method/path/status

All methods are safe for concurrent use.
*/
package metrics
