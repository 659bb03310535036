// Package storage is the embedded SQL store used for worker records.
//
// A Connection owns exactly one SQLite handle. Statements, transactions and
// blob stream operations are serialized through it, so callers never see
// interleaved multi-statement state. Large values are written and read with
// incremental blob I/O against a single cell, sized up front with ZeroBlob,
// so script bodies never have to be held in memory.
package storage
