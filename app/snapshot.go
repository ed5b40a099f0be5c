package app

import (
	"context"
	"fmt"

	"alin-engine/database"

	"go.uber.org/zap"
)

// InvalidSnapshotError reports a snapshot rejected before any write
type InvalidSnapshotError struct {
	Err error
}

func (e *InvalidSnapshotError) Error() string {
	return fmt.Sprintf("invalid snapshot: %v", e.Err)
}

func (e *InvalidSnapshotError) Unwrap() error { return e.Err }

// DefaultImportOptions replaces genes and domains and leaves the ledger alone
func DefaultImportOptions() database.ImportOptions {
	return database.ImportOptions{ImportGenes: true, ImportDomains: true}
}

// ExportSnapshot returns the versioned export of one user's engine state
func (e *Engine) ExportSnapshot(ctx context.Context, userID string) (*database.Snapshot, error) {
	snap, err := e.db.ExportSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("snapshot exported",
		zap.String("user_id", userID),
		zap.Int("genes", snap.Summary.GeneCount),
		zap.Int("domains", snap.Summary.DomainCount),
		zap.Int("predictions", snap.Summary.PredictionCount))
	return snap, nil
}

// ImportSnapshot validates snap, writes it for userID in one transaction and
// drops every cache derived from the previous state
func (e *Engine) ImportSnapshot(ctx context.Context, userID string, snap *database.Snapshot, opts database.ImportOptions) (*database.ImportResult, error) {
	if err := database.ValidateSnapshot(snap); err != nil {
		return nil, &InvalidSnapshotError{Err: err}
	}
	if !opts.ImportGenes && !opts.ImportDomains && !opts.ImportLedger {
		return nil, database.NewValidationError("options", "nothing selected to import")
	}

	result, err := e.db.ImportSnapshot(ctx, userID, snap, opts)
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, "all", "")
	e.logger.Info("snapshot imported",
		zap.String("user_id", userID),
		zap.Bool("clear_existing", opts.ClearExisting),
		zap.Int("genes", result.Genes),
		zap.Int("domains", result.DomainStates),
		zap.Int("predictions", result.Predictions))
	e.publish(EventSnapshotImported, map[string]interface{}{"user_id": userID, "result": result})
	return result, nil
}
