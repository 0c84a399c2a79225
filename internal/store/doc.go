// Package store provides persistent storage for API keys and the audit log.
//
// # Architecture
//
// The package is interface-driven:
//
//   - KeyStore: API key creation, lookup by ID or secret hash, listing, revocation
//   - AuditStore: append-only audit log with filtered listing
//   - Store: both of the above plus Close
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore implements it in memory for tests.
//
// # Keys
//
// Only the hex SHA-256 hash of a key's secret is persisted. Permissions are
// stored as comma-separated permission names so the on-disk form does not
// depend on the bit positions of permission.Set.
//
// # Audit log
//
// Entries are written for key creation, key revocation, and every tool
// invocation that got past authentication. Timestamps are stored in a
// fixed-width UTC format so time-range filters compare lexically.
package store
