// Package types provides the data model shared by the backup store's
// client and server packages: object identifiers, directory entries,
// block-index shapes, and the account ledger record.
//
// Types here carry only small helpers (flag predicates, accessors,
// SystemClock.Now); they are the shapes that internal/storedir,
// internal/ledger, internal/filecodec, internal/raid and
// internal/protocol exchange. Behavior lives in those packages.
package types
