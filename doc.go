// Package conductor implements an in-process application-service layer that
// turns named commands against long-lived domain entities into validated,
// authorized, durably recorded state transitions, then broadcasts the
// resulting facts to interested subscribers.
//
// The library is built around three coordinating pieces:
//   - Dispatcher runs the command pipeline: validate, authorize, load,
//     resolve parameters, execute, hand off, build a result
//   - UnitOfWork coordinates one transaction: entity registration,
//     pre-image snapshots, backend transactions, event derivation
//   - EventHub delivers derived events to filtered subscriptions with
//     bounded concurrency and per-handler error isolation
//
// Persistence is consumed through the Backend contract; in-memory, Redis,
// BoltDB, and PostgreSQL backends are included. The examples/ directory
// contains runnable counter and order workflows that exercise the API.
package conductor
