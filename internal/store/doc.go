// Package store persists the event ledger for forge-hostd.
//
// # Overview
//
// Every event the agent registry emits (connection state changes, session
// notifications, permission requests) can be recorded for audit and
// debugging. The Store interface keeps the core storage-agnostic; the daemon
// wires its event sink to a SQLiteStore.
//
// # SQLite Implementation
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL mode and
// automatic schema creation:
//
//	s, err := store.NewSQLiteStore("/var/lib/forge/events.db")
//
// Events are queried newest first, optionally filtered by connection or
// session id.
package store
