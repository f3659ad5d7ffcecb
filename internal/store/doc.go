// Package store provides persistence for users, their agent thread mappings,
// and the append-only token transaction ledger.
//
// The SQLite implementation is the production store; Memory is an in-process
// double for tests in other packages.
package store
