package dbtypes

// ExportDecision is the remembered answer to a simulation export prompt,
// keyed by the content hash of the exported snapshot.
type ExportDecision struct {
	ContentHash []byte `db:"content_hash"`
	Approved    bool   `db:"approved"`
	DecidedAt   int64  `db:"decided_at"`
	Origin      string `db:"origin"`
}
