// Package storage persists posts, platform posts and accounts.
//
// Drivers:
//   - memory and file share one in-process implementation
//   - sqlite and postgres share one database/sql implementation; queries are
//     written with ? placeholders and rebound per dialect
package storage
