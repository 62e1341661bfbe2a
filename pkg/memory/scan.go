package memory

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/specmem/specmem/pkg/database"
)

// memoryRow mirrors Memory with the embedding selected as text, since the
// pgvector wire format is not directly scannable
type memoryRow struct {
	Memory
	EmbeddingText sql.NullString `db:"embedding_text"`
}

func (r *memoryRow) toMemory() (*Memory, error) {
	m := r.Memory
	if r.EmbeddingText.Valid && r.EmbeddingText.String != "" {
		vec, err := database.ParseVector(r.EmbeddingText.String)
		if err != nil {
			return nil, err
		}
		m.Embedding = vec
	}
	return &m, nil
}

// scanMemoryRow scans a single SelectColumns row. sql.ErrNoRows passes
// through unclassified so callers can map it to their own not-found message.
func scanMemoryRow(row *sqlx.Row) (*Memory, error) {
	var r memoryRow
	if err := row.StructScan(&r); err != nil {
		return nil, err
	}
	return r.toMemory()
}

// ScanMemories drains a SelectColumns result set
func ScanMemories(rows *sqlx.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		var r memoryRow
		if err := rows.StructScan(&r); err != nil {
			return nil, database.ClassifyError(err)
		}
		m, err := r.toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(err)
	}
	return out, nil
}
