package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StreamingChunk is one raw SSE line (or line group) of an upstream
// streaming response, ordered and append-only (spec §3).
type StreamingChunk struct {
	RequestID  uuid.UUID
	ChunkIndex int
	Data       string
}

// InsertStreamingChunks batch-inserts chunks in chunk_index order inside a
// single transaction, mirroring the teacher's writeBatch/batchInsert*
// shape in service/request_logger.go.
func (s *Store) InsertStreamingChunks(ctx context.Context, chunks []*StreamingChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO streaming_chunks (request_id, chunk_index, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (request_id, chunk_index) DO NOTHING`,
			c.RequestID, c.ChunkIndex, c.Data)
	}

	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
