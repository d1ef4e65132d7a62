/*
Package runtime runs the statement pipeline: raw payloads in, PDF artifacts out.

# Architecture Overview

A source connector delivers raw payloads. Each payload moves through a fixed
sequence of stages and ends in exactly one terminal outcome, after which the
connector is told to acknowledge, quarantine or release it.

	receive -> normalize -> validate -> resolve_template -> render -> store -> acknowledge

Any failure is classified (see the errors package) and decides the outcome:

  - success: the artifact is stored and the payload acknowledged
  - quarantined: permanent failures, and transient ones that kept failing
    past their retry budget, are moved to the error directory or the
    dead-letter topic together with a failure record
  - deferred: artifact writes that keep failing and cancelled work leave the
    payload unacknowledged so it is delivered again

# Package Structure

## Pipeline (pipeline.go, run.go)

Pipeline.Process takes one payload to its outcome. Pipeline.Run feeds a
bounded queue from the connector and drains it with a fixed worker pool; the
feeder only polls when the queue has room, which is what pushes back on the
source.

## Retries (retry.go)

Connection and sink failures are retried with exponential backoff up to the
configured number of attempts. Render failures are retried once.

## Hooks (hooks.go)

StatementHooks provide OnStatementStart, OnStatementDone, OnStatementError and
OnAlert callbacks. Alerts are raised for unknown template versions and for
bursts of quarantined payloads.

## Observability (metrics.go, models.go, resources.go, admin.go)

Metrics exports Prometheus counters under the stmtflow namespace. PipelineStats
keeps latency percentiles, throughput and an error breakdown in process.
AdminServer exposes /healthz, /metrics, /api/stats, /api/templates and
/api/templates/reload.

## Outcome events (publisher.go)

OutcomePublisher announces each success or quarantine on a topic as a
protobuf Struct in JSON form.
*/
package runtime
