// Package storage persists ad statuses, delivery records and the audit log.
//
// Two drivers share one implementation: "sqlite" (modernc, file backed) and
// "postgres" (pgx through database/sql). Schema changes live in migrations/
// and are applied on open.
package storage
