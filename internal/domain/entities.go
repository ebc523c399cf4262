// Package domain defines core entities, ports, and domain-specific errors for
// the document enrichment pipeline.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var leverageValidate = validator.New()

// Error taxonomy (sentinels). See design §7: these back the error kinds
// (ValidationError, StorageError, ParserError, TransientDBError, HandlerError,
// FatalHandlerError) without introducing separate named types — callers wrap
// with fmt.Errorf("op=...: %w", Err...) and match with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
	ErrStorage         = errors.New("object store error")
	ErrParser          = errors.New("parser error")
	ErrTransientDB     = errors.New("transient database error")
	ErrNoHandler       = errors.New("no handler for job type")
	ErrFatal           = errors.New("fatal handler error")
	ErrRateLimited     = errors.New("rate limited")
)

// JobType names one of the five pipeline stages. Extensible, but the core
// only ever dispatches the five below in the fixed linear order.
type JobType string

// Stage job types, in pipeline order.
const (
	JobTypeParseDoc         JobType = "PARSE_DOC"
	JobTypeChunkEmbed       JobType = "CHUNK_EMBED"
	JobTypeExtractNormalize JobType = "EXTRACT_NORMALIZE"
	JobTypeBandMapGraph     JobType = "BAND_MAP_GRAPH"
	JobTypeAnalyze          JobType = "ANALYZE"
)

// NextJobType returns the job type that follows t in the pipeline, and false
// for ANALYZE (terminal) or any unrecognized type.
func NextJobType(t JobType) (JobType, bool) {
	switch t {
	case JobTypeParseDoc:
		return JobTypeChunkEmbed, true
	case JobTypeChunkEmbed:
		return JobTypeExtractNormalize, true
	case JobTypeExtractNormalize:
		return JobTypeBandMapGraph, true
	case JobTypeBandMapGraph:
		return JobTypeAnalyze, true
	default:
		return "", false
	}
}

// JobStatus captures the lifecycle state of a queue row.
type JobStatus string

// Job status values.
const (
	JobQueued  JobStatus = "queued"
	JobWorking JobStatus = "working"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the durable work-queue row (C1).
type Job struct {
	ID             string
	Type           JobType
	DocumentID     *string
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	IdempotencyKey *string
	LastError      *string
	FailedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentStatus tracks a document's progress through the pipeline DAG.
type DocumentStatus string

// Document status values, in pipeline order, plus the terminal failed state.
const (
	DocUploaded  DocumentStatus = "uploaded"
	DocParsed    DocumentStatus = "parsed"
	DocChunked   DocumentStatus = "chunked"
	DocExtracted DocumentStatus = "extracted"
	DocGraphed   DocumentStatus = "graphed"
	DocAnalyzed  DocumentStatus = "analyzed"
	DocFailed    DocumentStatus = "failed"
)

// Leverage is the small document-scoped parameter block consumed by the
// analyzer; defaulted when absent.
type Leverage struct {
	Investor float64 `json:"investor" validate:"gte=0,lte=1"`
	Founder  float64 `json:"founder" validate:"gte=0,lte=1"`
}

// DefaultLeverage is the leverage used when a document carries none.
func DefaultLeverage() Leverage { return Leverage{Investor: 0.6, Founder: 0.4} }

// ParseLeverage unmarshals a document's stored leverage block and validates
// its bounds. A malformed payload is a hard error; a payload that parses but
// fails validation falls back to DefaultLeverage rather than blocking ANALYZE.
func ParseLeverage(raw json.RawMessage) (Leverage, error) {
	if len(raw) == 0 {
		return DefaultLeverage(), nil
	}
	var lev Leverage
	if err := json.Unmarshal(raw, &lev); err != nil {
		return Leverage{}, fmt.Errorf("op=domain.parse_leverage: %w: %v", ErrInvalidArgument, err)
	}
	if err := leverageValidate.Struct(lev); err != nil {
		return DefaultLeverage(), nil
	}
	return lev, nil
}

// Document represents an uploaded file advancing through the enrichment pipeline.
type Document struct {
	ID        string
	UserID    string
	Filename  string
	MIME      string
	BlobPath  string
	Checksum  string // hex SHA-256 over raw bytes
	Status    DocumentStatus
	PagesJSON json.RawMessage // nullable; parser output
	TextPlain *string         // nullable; plain-text extraction
	GraphJSON json.RawMessage // nullable; graph builder output
	Leverage  json.RawMessage // non-null, defaulted
	CreatedAt time.Time
}

// Block is a structural unit of a parsed document page.
type Block struct {
	ID   string    `json:"id"`
	Page int       `json:"page"`
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	BBox []float64 `json:"bbox,omitempty"`
}

// PagesDoc is the normalized shape written to Document.PagesJSON.
type PagesDoc struct {
	HTMLPages []string          `json:"html_pages"`
	Blocks    []Block           `json:"blocks"`
	Tables    []json.RawMessage `json:"tables"`
	Parser    ParserInfo        `json:"parser"`
}

// ParserInfo identifies which parser produced a PagesDoc.
type ParserInfo struct {
	Engine  string `json:"engine"`
	Version string `json:"version"`
}

// Clause is an extracted passage with semantic annotation.
type Clause struct {
	ID         string
	DocumentID string
	ClauseKey  string
	Title      string
	Text       string
	StartIdx   int
	EndIdx     int
	PageHint   *int
	Score      float64
	Metadata   json.RawMessage
}

// Chunk is a physical text segment derived from a document's parsed structure.
type Chunk struct {
	ID         string
	DocumentID string
	ClauseID   *string
	BlockID    string
	Page       int
	Kind       string // para|heading|...
	Text       string
	Metadata   json.RawMessage
}

// Analysis is the analyzer's output for one (document, clause) pair.
type Analysis struct {
	ID           string
	DocumentID   string
	ClauseID     string
	BandName     string
	BandScore    float64
	InputsJSON   json.RawMessage
	AnalysisJSON json.RawMessage
	RedraftText  *string
	CreatedAt    time.Time
}

// Snippet is the shape produced by the extractor (§6) prior to clause creation.
type Snippet struct {
	ClauseKey  string
	Title      string
	Text       string
	StartIdx   int
	EndIdx     int
	PageHint   *int
	BlockIDs   []string
	Source     string
	Confidence float64
	JSONMeta   json.RawMessage
}

// Context aliases context.Context for convenience across layers, matching
// the pure-domain convention: adapters and usecases pass it through unchanged.
type Context = context.Context

// Repositories (ports)

// JobRepository is the job-store port (C1).
//
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
type JobRepository interface {
	// Enqueue inserts a new queued job, or upserts an existing row sharing
	// idempotencyKey back to queued/attempts=0 (the auto-heal contract).
	Enqueue(ctx Context, jobType JobType, documentID *string, payload json.RawMessage, idempotencyKey string) (string, error)
	// Mark performs an atomic status transition, always bumping updated_at.
	Mark(ctx Context, jobID string, status JobStatus, attempts *int, lastError *string, failedAt *time.Time) error
	// Claim selects and locks exactly one queued job (C2), returning the
	// number of queued jobs observed for contention logging.
	Claim(ctx Context) (job *Job, queuedCount int, err error)
	// ResetStale requeues working jobs whose updated_at predates the
	// threshold (C6), returning the number of rows affected.
	ResetStale(ctx Context, threshold time.Duration) (int64, error)
	// Get retrieves a job by id.
	Get(ctx Context, id string) (Job, error)
	// FindByIdempotencyKey looks up a job by its idempotency key.
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	// CountActiveForDocument returns how many queued/working jobs reference a document.
	CountActiveForDocument(ctx Context, documentID string) (int64, error)
}

// DocumentRepository is the document-store port.
//
//go:generate mockery --name=DocumentRepository --with-expecter --filename=document_repository_mock.go
type DocumentRepository interface {
	// Create inserts a new document row.
	Create(ctx Context, d Document) (string, error)
	// Get retrieves a document by id.
	Get(ctx Context, id string) (Document, error)
	// FindByChecksum implements the (user_id, checksum) dedup invariant.
	FindByChecksum(ctx Context, userID, checksum string) (Document, error)
	// SetParsed writes the PARSE_DOC artifacts and advances status.
	SetParsed(ctx Context, id string, pagesJSON json.RawMessage, textPlain string) error
	// SetStatus advances status without writing stage artifacts.
	SetStatus(ctx Context, id string, status DocumentStatus) error
	// SetGraph writes the BAND_MAP_GRAPH artifact and advances status.
	SetGraph(ctx Context, id string, graphJSON json.RawMessage) error
}

// ClauseRepository is the clause-store port.
//
//go:generate mockery --name=ClauseRepository --with-expecter --filename=clause_repository_mock.go
type ClauseRepository interface {
	InsertBatch(ctx Context, clauses []Clause) ([]Clause, error)
	ListByDocument(ctx Context, documentID string) ([]Clause, error)
	CountByDocument(ctx Context, documentID string) (int64, error)
	BindChunk(ctx Context, clauseID, chunkID string) error
}

// ChunkRepository is the chunk-store port.
//
//go:generate mockery --name=ChunkRepository --with-expecter --filename=chunk_repository_mock.go
type ChunkRepository interface {
	InsertBatch(ctx Context, chunks []Chunk) ([]Chunk, error)
	ListByDocument(ctx Context, documentID string) ([]Chunk, error)
	ExistsForDocument(ctx Context, documentID string) (bool, error)
	FindByBlockID(ctx Context, documentID, blockID string) (Chunk, error)
	FindByPage(ctx Context, documentID string, page int) (Chunk, error)
}

// AnalysisRepository is the analysis-store port.
//
//go:generate mockery --name=AnalysisRepository --with-expecter --filename=analysis_repository_mock.go
type AnalysisRepository interface {
	Upsert(ctx Context, a Analysis) error
	CountByDocument(ctx Context, documentID string) (int64, error)
	UpdateRedraft(ctx Context, analysisID, text string) error
}

// ObjectStore (port) — §6 external object-store contract.
type ObjectStore interface {
	Put(ctx Context, path string, data []byte, contentType string) error
	Get(ctx Context, path string) ([]byte, error)
	Sign(ctx Context, path string, expirySeconds int) (string, error)
}

// Parser (port) — §6 external parser contract.
type Parser interface {
	ParseStructured(ctx Context, data []byte) (PagesDoc, error)
	ParsePDFNaive(ctx Context, data []byte) (PagesDoc, string, error)
	ParseDOCXNaive(ctx Context, data []byte) (PagesDoc, string, error)
}

// Extractor (port) — §6 external extractor contract.
type Extractor interface {
	ExtractFromStructured(ctx Context, pages PagesDoc) ([]Snippet, error)
	ExtractFromText(ctx Context, text string) ([]Snippet, error)
	Normalize(ctx Context, snippets []Snippet) ([]Snippet, error)
}

// GraphBuilder (port) — §6 external graph-builder contract.
type GraphBuilder interface {
	BuildGraph(ctx Context, documentID string, nodes []GraphNode) (json.RawMessage, error)
}

// GraphNode is one node of the clause graph passed to the graph builder.
type GraphNode struct {
	ID        string `json:"id"`
	ClauseKey string `json:"clause_key"`
	Title     string `json:"title"`
}

// Analyzer (port) — §6 external analyzer contract. Implementations return the
// Analysis; the ANALYZE handler persists it via AnalysisRepository.Upsert.
type Analyzer interface {
	Analyze(ctx Context, clauseKey, clauseText string, leverage Leverage, attributes json.RawMessage) (Analysis, error)
}

// TxManager is the unit-of-work port: it runs fn inside a single database
// transaction and every repository call made with the context fn receives
// participates in that transaction. Stage handlers use it so their artifact
// writes, status transition, and next-stage enqueue commit atomically (§4.4,
// §5 "any partial crash is invisible outside the transaction").
type TxManager interface {
	RunInTx(ctx Context, fn func(ctx Context) error) error
}
