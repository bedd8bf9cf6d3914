/*
Package metrics provides Prometheus instrumentation for the host,
covering the aux HTTP surface, RPC invocations, the component engine,
the provider supervisor, and the claims & link store's cache.

# Overview

Collector registers and records Prometheus metrics via promauto's
auto-registration, so callers never manage a Registry by hand. Every
metric is namespaced and label-grouped for dashboarding and alerting.

# Core types

  - Collector: holds the Counter/Histogram vectors for each
    domain, grouped by concern.

# Capabilities

  - HTTP metrics: request count, duration, and request/response size,
    grouped by method/path/status (status bucketed into 2xx/3xx/4xx/5xx).
  - Invocation metrics: count grouped by operation/outcome, duration
    grouped by operation.
  - Engine metrics: export invoke count grouped by component/export,
    execution-deadline count grouped by component.
  - Supervisor metrics: link put/delete counts grouped by provider/op.
  - Store metrics: cache hit/miss counts and write-retry counts grouped
    by namespace.
*/
package metrics
