/*
Package types provides the core interfaces and data structures shared by the
tiercache packages.

It defines the contract every cache tier satisfies and the statistics snapshot
that tiers and the orchestrator report, so the orchestrator, the metrics
exporter and the CLI can work with tiers without knowing how they store data.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              Cache Orchestrator             │
	│           (internal/cache multilevel)       │
	└─────────────────────────────────────────────┘
	              │                     │
	┌─────────────┴─────────┐ ┌─────────┴─────────────┐
	│   L1 memory tier      │ │   L2 persistent tier  │
	│   (LRU + TTL)         │ │   (SQLite + codecs)   │
	└───────────────────────┘ └───────────────────────┘
	              │                     │
	┌─────────────┴─────────────────────┴───────────┐
	│         Statistics collector (internal/stats) │
	└───────────────────────────────────────────────┘

# Tier Interface

Tier is the narrow key/value contract implemented by both tiers. Values are opaque
byte slices; serialization belongs to the caller. A miss is reported as
found == false with a nil error. Errors are reserved for storage failures, which
the orchestrator absorbs into misses.

# Time To Live

TTL arguments are time.Duration values with two sentinels:

	types.NoExpiration  // entry never expires; clears an existing expiry
	types.DefaultTTL    // use the tier's configured default TTL

Any positive duration sets an absolute expiry of now + ttl.

# Statistics

TierStats is a point-in-time copy of a tier's counters and derived ratios. The
invariant TotalOperations == Hits + Misses + Sets + Deletes holds for every
snapshot.
*/
package types
