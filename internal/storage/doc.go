// Package storage provides a minimal persistence layer for drill run
// history.
//
// It currently supports:
//   - Run record appends (one per drill run, success or failure)
//   - Bounded history queries for diagnostics
package storage
