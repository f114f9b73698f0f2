// Package repository provides data access interfaces and PostgreSQL
// implementations for the enrichment service.
//
// Repositories follow the repository pattern: interfaces abstract
// persistence from the job engine, and each PostgreSQL implementation
// accepts a DBTX so the same code runs against the pool or inside a
// transaction started with database.DB.WithTransaction.
//
// All methods return domain errors (domain.ErrNotFound,
// domain.ErrJobConflict, domain.ErrInvalidInput) wrapped with context
// via fmt.Errorf and %w.
package repository

import (
	"github.com/helixir/enrichment-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction
// contexts. Pass a pgx.Tx to run a repository inside a transaction:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    txRepo := repository.NewPgRecordRepository(tx)
//	    return txRepo.SaveEmbedding(ctx, result)
//	})
type DBTX = database.DBTX

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 100
	maxFilterLimit     = 1000
)

// applyPaginationDefaults clamps limit to [1, maxFilterLimit] and
// ensures offset >= 0.
func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = defaultFilterLimit
	}
	if *limit > maxFilterLimit {
		*limit = maxFilterLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}
