// Package store provides coordination-store implementations.
//
// Implementations:
//   - memory: single-process, one mutex, default backend and test double
//   - redis: JSON records with WATCH transactions and Lua load counters
package store
