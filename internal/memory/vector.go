package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"selfforge/internal/embedding"
)

// Vectors are stored as little-endian float32 blobs, 4 bytes per dimension.
// The encoding is fixed so vectors written on one platform read back
// identically on another.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != 4*dims {
		return nil, fmt.Errorf("memory: vector blob is %d bytes, want %d", len(blob), 4*dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

type scoredChunk struct {
	chunkID string
	source  string
	score   float64
}

// semanticSearch embeds the query and ranks stored chunk vectors by cosine
// similarity. A brute-force scan over chunk_embeddings; the vec0 virtual
// table accelerates this when the extension is compiled in.
func (e *Engine) semanticSearch(ctx context.Context, query string, source string, limit int) ([]scoredChunk, error) {
	queryVec, err := e.embedText(ctx, query)
	if err != nil {
		return nil, err
	}

	sqlQuery := `SELECT chunk_id, source, vector, dims FROM chunk_embeddings`
	var args []any
	if source != "" {
		sqlQuery += ` WHERE source = ?`
		args = append(args, source)
	}

	rows, err := e.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk embeddings: %w", err)
	}
	defer rows.Close()

	var scored []scoredChunk
	for rows.Next() {
		var chunkID, src string
		var blob []byte
		var dims int
		if err := rows.Scan(&chunkID, &src, &blob, &dims); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if dims != len(queryVec) {
			continue
		}
		vec, err := decodeVector(blob, dims)
		if err != nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil || sim <= 0 {
			continue
		}
		scored = append(scored, scoredChunk{chunkID: chunkID, source: src, score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
