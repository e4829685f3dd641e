/*
Package observability provides the Prometheus metrics and tracing helpers shared
by the session manager, cache and sweeper.

A nil *Metrics is valid: every recording method becomes a no-op, so components
can be built without a registry in tests and embedded use.
*/
package observability
