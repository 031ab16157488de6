// Package cdc provides the public types and interfaces for the change-tracking
// synchronization engine.
//
// The package defines the collaborator interfaces the engine consumes
// (ChangeSource for the tracked database, VersionLedger for watermark
// persistence, TargetTable for the derived destination table) and the types
// that flow between the engine's stages (ChangeRecord out of the change feed,
// StagedRow out of staging, ReconcileStats out of reconciliation).
//
// Key Components:
//   - ChangeSource: Interface over the source database's change tracking
//   - VersionLedger: Interface for per-table watermark storage
//   - TargetTable: Interface for the derived destination table
//   - RowProjection: Per-table destination row shaping (column allow-listing)
//   - ChangeRecord: One net row mutation observed between two versions
package cdc
