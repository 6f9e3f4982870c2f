package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"selfforge/internal/logging"
)

// SearchOptions narrows a search.
type SearchOptions struct {
	// Source restricts hits to "conversation" or "code"; empty searches both.
	Source string
	Limit  int
}

// Search runs hybrid retrieval: keyword hits from the FTS index merged with
// vector hits when an embedder is configured. With no embedder the keyword
// results are returned alone and flagged KeywordOnly.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Search")
	defer timer.Stop()

	if strings.TrimSpace(query) == "" {
		return &SearchResponse{}, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	keyword, err := e.keywordSearch(query, opts.Source, limit*2)
	if err != nil {
		return nil, err
	}

	if e.embedder == nil {
		resp := &SearchResponse{Results: keyword, KeywordOnly: true}
		trimResults(resp, limit)
		return resp, nil
	}

	semantic, err := e.semanticSearch(ctx, query, opts.Source, limit*2)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Semantic search failed, falling back to keyword only: %v", err)
		resp := &SearchResponse{Results: keyword, KeywordOnly: true, Partial: true}
		trimResults(resp, limit)
		return resp, nil
	}

	merged := e.mergeHybrid(keyword, semantic)
	resp := &SearchResponse{Results: merged}
	trimResults(resp, limit)
	return resp, nil
}

func trimResults(resp *SearchResponse, limit int) {
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
}

// keywordSearch queries the FTS tables, or falls back to a LIKE scan when
// the driver lacks FTS5. Scores are normalized into (0, 1] so they can be
// merged with cosine similarities.
func (e *Engine) keywordSearch(query, source string, limit int) ([]SearchResult, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var results []SearchResult
	if source == "" || source == "conversation" {
		hits, err := e.queryKeyword("conversation", terms, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}
	if source == "" || source == "code" {
		hits, err := e.queryKeyword("code", terms, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) queryKeyword(source string, terms []string, limit int) ([]SearchResult, error) {
	if e.fts {
		table := "conversation_chunks_fts"
		if source == "code" {
			table = "code_chunks_fts"
		}
		return e.queryFTS(table, source, buildFTSQuery(terms), limit)
	}
	return e.queryLike(source, terms, limit)
}

// queryLike is the degraded keyword path: term-count scoring over a LIKE
// scan of the chunk tables.
func (e *Engine) queryLike(source string, terms []string, limit int) ([]SearchResult, error) {
	table := "conversation_chunks"
	if source == "code" {
		table = "code_chunks"
	}

	var conds []string
	var args []any
	for _, term := range terms {
		conds = append(conds, "text LIKE ?")
		args = append(args, "%"+term+"%")
	}
	args = append(args, limit)

	rows, err := e.db.Query(fmt.Sprintf(`
		SELECT id, text FROM %s WHERE %s LIMIT ?
	`, table, strings.Join(conds, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword scan on %s failed: %w", table, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("failed to scan keyword row: %w", err)
		}
		lower := strings.ToLower(text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, SearchResult{
			ID:      id,
			Source:  source,
			Score:   float64(matched) / float64(len(terms)),
			Content: text,
		})
	}
	return out, rows.Err()
}

func (e *Engine) queryFTS(table, source, ftsQuery string, limit int) ([]SearchResult, error) {
	rows, err := e.db.Query(fmt.Sprintf(`
		SELECT id, text, rank FROM %s WHERE %s MATCH ? ORDER BY rank LIMIT ?
	`, table, table), ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("FTS query on %s failed: %w", table, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id, text string
		var rank float64
		if err := rows.Scan(&id, &text, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan FTS row: %w", err)
		}
		// bm25 rank is negative, more negative is better. Map to (0, 1].
		score := 1.0 / (1.0 - rank)
		out = append(out, SearchResult{
			ID:      id,
			Source:  source,
			Score:   score,
			Content: text,
		})
	}
	return out, rows.Err()
}

// queryTerms tokenizes free text into search terms, dropping punctuation so
// user input cannot break query syntax.
func queryTerms(query string) []string {
	return strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_')
	})
}

// buildFTSQuery renders terms as an FTS5 match expression, each term quoted
// and OR-joined.
func buildFTSQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// mergeHybrid combines keyword and vector hits with the fixed 0.6/0.4
// weighting. A chunk found by both channels scores higher than either alone.
func (e *Engine) mergeHybrid(keyword []SearchResult, semantic []scoredChunk) []SearchResult {
	combined := make(map[string]*SearchResult)

	for i := range keyword {
		r := keyword[i]
		r.Score = r.Score * KeywordWeight
		combined[r.ID] = &r
	}
	for _, s := range semantic {
		if existing, ok := combined[s.chunkID]; ok {
			existing.Score += s.score * VectorWeight
			continue
		}
		content, err := e.chunkText(s.chunkID, s.source)
		if err != nil {
			logging.MemoryDebug("Cannot resolve chunk %s text: %v", s.chunkID, err)
			continue
		}
		combined[s.chunkID] = &SearchResult{
			ID:      s.chunkID,
			Source:  s.source,
			Score:   s.score * VectorWeight,
			Content: content,
		}
	}

	out := make([]SearchResult, 0, len(combined))
	for _, r := range combined {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// chunkText resolves a chunk id to its stored text.
func (e *Engine) chunkText(chunkID, source string) (string, error) {
	table := "conversation_chunks"
	if source == "code" {
		table = "code_chunks"
	}
	var text string
	err := e.db.QueryRow(`SELECT text FROM `+table+` WHERE id = ?`, chunkID).Scan(&text)
	if err != nil {
		return "", err
	}
	return text, nil
}

// SearchDecisions is keyword search over the decision log: context,
// reasoning, chosen option, and lessons. Decisions are not chunked or
// embedded, so there is no vector channel.
func (e *Engine) SearchDecisions(query string, limit int) (*SearchResponse, error) {
	if strings.TrimSpace(query) == "" {
		return &SearchResponse{}, nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return &SearchResponse{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := e.db.Query(`
		SELECT id, context, reasoning, chosen, outcome, lessons
		FROM decisions ORDER BY timestamp DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("decision search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, context, reasoning, chosen, outcome, lessons string
		if err := rows.Scan(&id, &context, &reasoning, &chosen, &outcome, &lessons); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		haystack := strings.ToLower(context + " " + reasoning + " " + chosen + " " + lessons)
		matched := 0
		for _, term := range terms {
			if strings.Contains(haystack, strings.ToLower(term)) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, SearchResult{
			ID:      id,
			Source:  "decision",
			Score:   float64(matched) / float64(len(terms)),
			Content: context,
			Metadata: map[string]any{
				"chosen":  chosen,
				"outcome": outcome,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return &SearchResponse{Results: results, KeywordOnly: true}, nil
}

// SearchCode is keyword+vector search restricted to the code index, with
// file metadata attached to each hit.
func (e *Engine) SearchCode(ctx context.Context, query string, limit int) (*SearchResponse, error) {
	resp, err := e.Search(ctx, query, SearchOptions{Source: "code", Limit: limit})
	if err != nil {
		return nil, err
	}
	for i := range resp.Results {
		var path string
		var startLine, endLine int
		err := e.db.QueryRow(`
			SELECT file_path, start_line, end_line FROM code_chunks WHERE id = ?
		`, resp.Results[i].ID).Scan(&path, &startLine, &endLine)
		if err != nil {
			continue
		}
		resp.Results[i].Metadata = map[string]any{
			"file_path":  path,
			"start_line": startLine,
			"end_line":   endLine,
		}
	}
	return resp, nil
}
