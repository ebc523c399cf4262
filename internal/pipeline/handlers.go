// Package pipeline implements the five stage handlers of the document
// enrichment DAG (§4.4): PARSE_DOC, CHUNK_EMBED, EXTRACT_NORMALIZE,
// BAND_MAP_GRAPH, ANALYZE. Each handler checks whether its output already
// exists (idempotency), does its work, and enqueues the next stage's job
// inside the same database transaction as its own artifact writes.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// overviewSnippetChars is how much of the plain text is used to synthesize a
// fallback overview clause when no clause rule matches anything (§4.4.3).
const overviewSnippetChars = 500

// Handlers wires the five stage handlers to their repository ports and the
// external parser/extractor/graph/analyzer collaborators.
type Handlers struct {
	Docs      domain.DocumentRepository
	Clauses   domain.ClauseRepository
	Chunks    domain.ChunkRepository
	Analyses  domain.AnalysisRepository
	Jobs      domain.JobRepository
	Tx        domain.TxManager
	Store     domain.ObjectStore
	Parser    domain.Parser
	Extractor domain.Extractor
	Graph     domain.GraphBuilder
	Analyzer  domain.Analyzer

	EmbeddingsEnabled bool
}

// parseDocPayload is the PARSE_DOC job payload shape (§4.4.1).
type parseDocPayload struct {
	MIME     string `json:"mime"`
	BlobPath string `json:"blob_path"`
}

// Handle dispatches a claimed job to its stage handler, returning
// domain.ErrNoHandler for an unrecognized type. The caller (the worker pool)
// is solely responsible for marking the job done or failed (§4.3, §7).
func (h *Handlers) Handle(ctx domain.Context, job domain.Job) error {
	start := time.Now()
	var err error
	switch job.Type {
	case domain.JobTypeParseDoc:
		err = h.handleParseDoc(ctx, job)
	case domain.JobTypeChunkEmbed:
		err = h.handleChunkEmbed(ctx, job)
	case domain.JobTypeExtractNormalize:
		err = h.handleExtractNormalize(ctx, job)
	case domain.JobTypeBandMapGraph:
		err = h.handleBandMapGraph(ctx, job)
	case domain.JobTypeAnalyze:
		err = h.handleAnalyze(ctx, job)
	default:
		return fmt.Errorf("op=pipeline.handle: %w: type=%s", domain.ErrNoHandler, job.Type)
	}
	observability.ObserveHandlerDuration(string(job.Type), time.Since(start).Seconds())
	return err
}

// enqueueNext chains the next stage's job with its canonical idempotency key
// (§4.4), inside the caller's transaction.
func enqueueNext(ctx domain.Context, jobs domain.JobRepository, documentID string, current domain.JobType) error {
	next, ok := domain.NextJobType(current)
	if !ok {
		return nil
	}
	key := stageIdempotencyKey(next, documentID)
	_, err := jobs.Enqueue(ctx, next, &documentID, json.RawMessage(`{}`), key)
	if err != nil {
		return fmt.Errorf("op=pipeline.enqueue_next: %w", err)
	}
	return nil
}

// stageIdempotencyKey implements the §4.4 key templates (v1 version tag).
func stageIdempotencyKey(stage domain.JobType, documentID string) string {
	switch stage {
	case domain.JobTypeChunkEmbed:
		return fmt.Sprintf("chunks::%s::v1", documentID)
	case domain.JobTypeExtractNormalize:
		return fmt.Sprintf("extract::%s::v1", documentID)
	case domain.JobTypeBandMapGraph:
		return fmt.Sprintf("band::%s::v1", documentID)
	case domain.JobTypeAnalyze:
		return fmt.Sprintf("analyze::%s::v1", documentID)
	default:
		return fmt.Sprintf("%s::%s::v1", strings.ToLower(string(stage)), documentID)
	}
}

func documentIDOf(job domain.Job) (string, error) {
	if job.DocumentID == nil || *job.DocumentID == "" {
		return "", fmt.Errorf("op=pipeline.document_id: %w: job has no document_id", domain.ErrInvalidArgument)
	}
	return *job.DocumentID, nil
}

// handleParseDoc implements §4.4.1.
func (h *Handlers) handleParseDoc(ctx domain.Context, job domain.Job) error {
	documentID, err := documentIDOf(job)
	if err != nil {
		return err
	}

	doc, err := h.Docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.parse_doc.get: %w", err)
	}
	if doc.PagesJSON != nil {
		return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
			return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeParseDoc)
		})
	}

	var payload parseDocPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("op=pipeline.parse_doc.payload: %w", err)
		}
	}
	if payload.BlobPath == "" {
		payload.BlobPath = doc.BlobPath
	}
	if payload.MIME == "" {
		payload.MIME = doc.MIME
	}

	raw, err := h.Store.Get(ctx, payload.BlobPath)
	if err != nil {
		return fmt.Errorf("op=pipeline.parse_doc.fetch: %w: %w", domain.ErrStorage, err)
	}

	pages, plain, err := h.parse(ctx, payload.MIME, raw)
	if err != nil {
		return fmt.Errorf("op=pipeline.parse_doc.parse: %w", err)
	}

	pagesJSON, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("op=pipeline.parse_doc.marshal: %w", err)
	}

	return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		if err := h.Docs.SetParsed(ctx, documentID, pagesJSON, plain); err != nil {
			return fmt.Errorf("op=pipeline.parse_doc.set_parsed: %w", err)
		}
		observability.StageEvent(ctx, "stage.parse_doc.done", "document_id", documentID)
		return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeParseDoc)
	})
}

// parse tries the structured parser first, falling back to the MIME-specific
// naive parser when it errors or returns no usable block structure.
func (h *Handlers) parse(ctx domain.Context, mimeType string, raw []byte) (domain.PagesDoc, string, error) {
	if structured, err := h.Parser.ParseStructured(ctx, raw); err == nil && len(structured.Blocks) > 0 {
		var plain strings.Builder
		for i, b := range structured.Blocks {
			if i > 0 {
				plain.WriteString("\n")
			}
			plain.WriteString(b.Text)
		}
		return structured, plain.String(), nil
	}

	if strings.Contains(mimeType, "wordprocessingml") || strings.Contains(mimeType, "docx") {
		return h.Parser.ParseDOCXNaive(ctx, raw)
	}
	return h.Parser.ParsePDFNaive(ctx, raw)
}

// handleChunkEmbed implements §4.4.2.
func (h *Handlers) handleChunkEmbed(ctx domain.Context, job domain.Job) error {
	documentID, err := documentIDOf(job)
	if err != nil {
		return err
	}

	exists, err := h.Chunks.ExistsForDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.chunk_embed.exists: %w", err)
	}
	if exists {
		return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
			return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeChunkEmbed)
		})
	}

	doc, err := h.Docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.chunk_embed.get: %w", err)
	}
	var pages domain.PagesDoc
	if len(doc.PagesJSON) > 0 {
		if err := json.Unmarshal(doc.PagesJSON, &pages); err != nil {
			return fmt.Errorf("op=pipeline.chunk_embed.unmarshal: %w", err)
		}
	}

	chunks, err := ChunksFromPagesJSON(documentID, pages)
	if err != nil {
		return fmt.Errorf("op=pipeline.chunk_embed.derive: %w", err)
	}
	if h.EmbeddingsEnabled {
		// Embedding vectors are deterministic zero-vector stubs; persistence is
		// optional per §4.4.2 and intentionally skipped here.
		_ = embedBatch(chunks)
	}

	return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		if _, err := h.Chunks.InsertBatch(ctx, chunks); err != nil {
			return fmt.Errorf("op=pipeline.chunk_embed.insert: %w", err)
		}
		if err := h.Docs.SetStatus(ctx, documentID, domain.DocChunked); err != nil {
			return fmt.Errorf("op=pipeline.chunk_embed.set_status: %w", err)
		}
		observability.StageEvent(ctx, "stage.chunk_embed.done", "document_id", documentID, "chunk_count", len(chunks))
		return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeChunkEmbed)
	})
}

// embedBatch returns deterministic zero vectors, standing in for the real
// (external, out-of-scope) embedding model.
func embedBatch(chunks []domain.Chunk) [][]float32 {
	out := make([][]float32, len(chunks))
	for i := range chunks {
		out[i] = make([]float32, 8)
	}
	return out
}

// handleExtractNormalize implements §4.4.3.
func (h *Handlers) handleExtractNormalize(ctx domain.Context, job domain.Job) error {
	documentID, err := documentIDOf(job)
	if err != nil {
		return err
	}

	count, err := h.Clauses.CountByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.extract_normalize.count: %w", err)
	}
	if count > 0 {
		return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
			return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeExtractNormalize)
		})
	}

	doc, err := h.Docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.extract_normalize.get: %w", err)
	}
	var pages domain.PagesDoc
	if len(doc.PagesJSON) > 0 {
		if err := json.Unmarshal(doc.PagesJSON, &pages); err != nil {
			return fmt.Errorf("op=pipeline.extract_normalize.unmarshal: %w", err)
		}
	}
	plain := ""
	if doc.TextPlain != nil {
		plain = *doc.TextPlain
	}

	snippets, err := h.Extractor.ExtractFromStructured(ctx, pages)
	if err != nil {
		return fmt.Errorf("op=pipeline.extract_normalize.structured: %w", err)
	}
	if len(snippets) == 0 {
		snippets, err = h.Extractor.ExtractFromText(ctx, plain)
		if err != nil {
			return fmt.Errorf("op=pipeline.extract_normalize.text: %w", err)
		}
	}
	if len(snippets) == 0 && plain != "" {
		n := overviewSnippetChars
		if n > len(plain) {
			n = len(plain)
		}
		snippets = []domain.Snippet{{
			ClauseKey:  "document_overview",
			Title:      "Document Overview",
			Text:       plain[:n],
			StartIdx:   0,
			EndIdx:     n,
			Source:     "overview_fallback",
			Confidence: 0.5,
		}}
	}

	snippets, err = h.Extractor.Normalize(ctx, snippets)
	if err != nil {
		return fmt.Errorf("op=pipeline.extract_normalize.normalize: %w", err)
	}

	clauses := make([]domain.Clause, 0, len(snippets))
	for _, s := range snippets {
		meta, merr := json.Marshal(map[string]any{
			"block_ids":  s.BlockIDs,
			"confidence": s.Confidence,
			"source":     s.Source,
		})
		if merr != nil {
			return fmt.Errorf("op=pipeline.extract_normalize.meta: %w", merr)
		}
		clauses = append(clauses, domain.Clause{
			DocumentID: documentID,
			ClauseKey:  s.ClauseKey,
			Title:      s.Title,
			Text:       s.Text,
			StartIdx:   s.StartIdx,
			EndIdx:     s.EndIdx,
			PageHint:   s.PageHint,
			Score:      s.Confidence,
			Metadata:   meta,
		})
	}

	return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		inserted, err := h.Clauses.InsertBatch(ctx, clauses)
		if err != nil {
			return fmt.Errorf("op=pipeline.extract_normalize.insert: %w", err)
		}
		for i, c := range inserted {
			chunkID, err := h.bindChunk(ctx, documentID, snippets[i])
			if err != nil || chunkID == "" {
				continue
			}
			if err := h.Clauses.BindChunk(ctx, c.ID, chunkID); err != nil {
				return fmt.Errorf("op=pipeline.extract_normalize.bind_chunk: %w", err)
			}
		}
		if err := h.Docs.SetStatus(ctx, documentID, domain.DocExtracted); err != nil {
			return fmt.Errorf("op=pipeline.extract_normalize.set_status: %w", err)
		}
		observability.StageEvent(ctx, "stage.extract_normalize.done", "document_id", documentID, "clause_count", len(inserted))
		return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeExtractNormalize)
	})
}

// bindChunk resolves the clause-to-chunk binding order of §4.4.3: any
// block_id in snippet.BlockIDs, else the chunk on page_hint, else page 0.
func (h *Handlers) bindChunk(ctx domain.Context, documentID string, s domain.Snippet) (string, error) {
	for _, blockID := range s.BlockIDs {
		if c, err := h.Chunks.FindByBlockID(ctx, documentID, blockID); err == nil {
			return c.ID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}
	if s.PageHint != nil {
		if c, err := h.Chunks.FindByPage(ctx, documentID, *s.PageHint); err == nil {
			return c.ID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}
	if c, err := h.Chunks.FindByPage(ctx, documentID, 0); err == nil {
		return c.ID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	return "", nil
}

// handleBandMapGraph implements §4.4.4.
func (h *Handlers) handleBandMapGraph(ctx domain.Context, job domain.Job) error {
	documentID, err := documentIDOf(job)
	if err != nil {
		return err
	}

	doc, err := h.Docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.band_map_graph.get: %w", err)
	}
	if doc.GraphJSON != nil {
		return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
			return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeBandMapGraph)
		})
	}

	clauses, err := h.Clauses.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.band_map_graph.list: %w", err)
	}
	nodes := make([]domain.GraphNode, 0, len(clauses))
	for _, c := range clauses {
		nodes = append(nodes, domain.GraphNode{ID: c.ID, ClauseKey: c.ClauseKey, Title: c.Title})
	}

	graphJSON, err := h.Graph.BuildGraph(ctx, documentID, nodes)
	if err != nil {
		return fmt.Errorf("op=pipeline.band_map_graph.build: %w", err)
	}

	return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		if err := h.Docs.SetGraph(ctx, documentID, graphJSON); err != nil {
			return fmt.Errorf("op=pipeline.band_map_graph.set_graph: %w", err)
		}
		observability.StageEvent(ctx, "stage.band_map_graph.done", "document_id", documentID)
		return enqueueNext(ctx, h.Jobs, documentID, domain.JobTypeBandMapGraph)
	})
}

// handleAnalyze implements §4.4.5 (terminal stage — enqueues nothing further).
func (h *Handlers) handleAnalyze(ctx domain.Context, job domain.Job) error {
	documentID, err := documentIDOf(job)
	if err != nil {
		return err
	}

	clauseCount, err := h.Clauses.CountByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.analyze.clause_count: %w", err)
	}
	analysisCount, err := h.Analyses.CountByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.analyze.analysis_count: %w", err)
	}
	if clauseCount > 0 && analysisCount >= clauseCount {
		return nil
	}

	doc, err := h.Docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.analyze.get: %w", err)
	}
	leverage, err := domain.ParseLeverage(doc.Leverage)
	if err != nil {
		return fmt.Errorf("op=pipeline.analyze.leverage: %w", err)
	}

	clauses, err := h.Clauses.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.analyze.list: %w", err)
	}

	return h.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		for _, c := range clauses {
			a, err := h.Analyzer.Analyze(ctx, c.ClauseKey, c.Text, leverage, c.Metadata)
			if err != nil {
				return fmt.Errorf("op=pipeline.analyze.analyze: %w", err)
			}
			a.DocumentID = documentID
			a.ClauseID = c.ID
			if err := h.Analyses.Upsert(ctx, a); err != nil {
				return fmt.Errorf("op=pipeline.analyze.upsert: %w", err)
			}
		}
		if err := h.Docs.SetStatus(ctx, documentID, domain.DocAnalyzed); err != nil {
			return fmt.Errorf("op=pipeline.analyze.set_status: %w", err)
		}
		observability.StageEvent(ctx, "stage.analyze.done", "document_id", documentID, "clause_count", len(clauses))
		return nil
	})
}
