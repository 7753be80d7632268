// Package stores provides the persistence layer for Sirpi.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// and the transactional phase-transition primitives (ClaimAction,
// FinishAction) that keep project state, deployment actions, and log
// lines consistent under concurrent requests.
package stores
