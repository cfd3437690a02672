package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethpandaops/txguard/dbtypes"
)

// GetExportDecision returns the stored decision for a snapshot hash, or nil.
func (d *Database) GetExportDecision(ctx context.Context, contentHash []byte) (*dbtypes.ExportDecision, error) {
	decision := &dbtypes.ExportDecision{}
	err := d.ReaderDb.GetContext(ctx, decision, `
		SELECT content_hash, approved, decided_at, origin
		FROM export_decisions
		WHERE content_hash = $1`, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (d *Database) SetExportDecision(ctx context.Context, decision *dbtypes.ExportDecision) error {
	_, err := d.WriterDb.ExecContext(ctx, d.EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
			INSERT INTO export_decisions (content_hash, approved, decided_at, origin)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (content_hash) DO UPDATE SET
				approved = excluded.approved,
				decided_at = excluded.decided_at,
				origin = excluded.origin`,
		dbtypes.DBEngineSqlite: `
			INSERT OR REPLACE INTO export_decisions (content_hash, approved, decided_at, origin)
			VALUES ($1, $2, $3, $4)`,
	}), decision.ContentHash, decision.Approved, decision.DecidedAt, decision.Origin)
	return err
}

// DeleteExportDecisionsBefore removes decisions older than the unix timestamp.
func (d *Database) DeleteExportDecisionsBefore(ctx context.Context, before int64) (int64, error) {
	res, err := d.WriterDb.ExecContext(ctx, `DELETE FROM export_decisions WHERE decided_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
