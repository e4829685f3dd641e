/*
Package ports defines the driven ports of the session manager.

These interfaces decouple lifecycle logic from storage, caching and
coordination backends.

# Key Interfaces

  - Gateway: durable store for session records (memory, Redis, MongoDB).
  - Cache: process-local TTL cache of hydrated sessions.
  - DistributedLocker: cross-replica locks for per-user and per-session sections.

RunGatewayContract is a reusable test suite every Gateway adapter runs.
*/
package ports
