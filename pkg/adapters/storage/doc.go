// Package storage provides execution and endpoint repositories.
//
// Implementations:
//   - redis: Redis with JSON serialization
//   - sqlite: SQLite through database/sql
//   - memory: In-memory for testing and single-node runs
package storage
