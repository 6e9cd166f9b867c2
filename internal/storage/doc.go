// Package storage persists recurring payments.
//
// Drivers:
//   - memory: process-local map, used by tests and dry runs
//   - sqlite: single file via modernc.org/sqlite
//   - postgres: pgx connection pool
//
// Schemas for sqlite and postgres are applied with golang-migrate on Open.
package storage
