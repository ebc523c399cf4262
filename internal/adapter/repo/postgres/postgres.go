//go:build ignore

// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

// Legacy stub file intentionally ignored by the Go build.
// Real implementations live in: conn.go, schema.go, jobs_repo.go,
// documents_repo.go, clauses_repo.go, chunks_repo.go, analyses_repo.go
