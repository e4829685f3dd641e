/*
Package domain contains the core model of a drafting session and the rules that govern it.

It is kept free of I/O: persistence, caching and transport live in other packages
and talk to the domain through Session methods and the Record boundary type.

# Key Entities

  - Session: one long-lived authoring conversation owned by one user.
  - LifecycleStatus: active, paused, completed, abandoned or error.
  - StateTransition: an append-only entry in the session's lifecycle history.
  - Message: one transcript entry.
  - Record: the flat shape persistence gateways store.
  - SessionDiff: the delta between two snapshots of a session, for device fan-out.
*/
package domain
