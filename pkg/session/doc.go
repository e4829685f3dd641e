/*
Package session implements the drafting-session lifecycle manager.

The Manager is the only writer of sessions: every operation loads through the
cache, applies a transition or mutation on a private copy, persists it through
the Gateway with an optimistic version check, and only then refreshes the cache.

Concurrent work on one session is serialized in process by a reference-counted
lock map and, when a DistributedLocker is configured, across replicas. The same
locker turns the per-user active limit into a hard cap; without it the limit is
best effort.
*/
package session
