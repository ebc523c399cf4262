// Package usecase wires the domain ports into the application-level
// operations exposed to adapters: ingest (C7) and the auto-heal rule
// consumed by the document status endpoint.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// acceptedSuffixes are the file extensions accepted alongside the usual
// application/pdf and Word MIME types, mirroring the upload gate's leniency
// toward clients that mislabel their Content-Type.
var acceptedSuffixes = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
}

// acceptedContentUpload reports whether the claimed MIME, the sniffed MIME,
// or the filename extension indicates a supported document type. Any one
// signal is enough; the check only rejects when all three disagree.
func acceptedContentUpload(filename, claimedMIME string, data []byte) bool {
	suffix := strings.ToLower(filepath.Ext(filename))
	if acceptedSuffixes[suffix] {
		return true
	}
	if isAcceptedMIME(claimedMIME) {
		return true
	}
	sniffed := mimetype.Detect(data)
	for m := sniffed; m != nil; m = m.Parent() {
		if isAcceptedMIME(m.String()) {
			return true
		}
	}
	return false
}

func isAcceptedMIME(mime string) bool {
	switch mime {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return true
	default:
		return false
	}
}

// IngestService implements the ingest gate (C7, §4.7): checksum + dedup on
// upload, object-store persistence, and the auto-heal re-enqueue rule used
// by the document status endpoint.
type IngestService struct {
	Documents domain.DocumentRepository
	Jobs      domain.JobRepository
	Store     domain.ObjectStore
}

// NewIngestService constructs an IngestService.
func NewIngestService(documents domain.DocumentRepository, jobs domain.JobRepository, store domain.ObjectStore) IngestService {
	return IngestService{Documents: documents, Jobs: jobs, Store: store}
}

// Upload accepts raw file bytes, computes its content checksum, and either
// creates a new document plus its PARSE_DOC job or short-circuits to an
// existing (user_id, checksum) match, upserting its parse job back to
// queued if the document hasn't advanced past parsed yet.
func (s IngestService) Upload(ctx domain.Context, userID, filename, mime string, data []byte) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("op=ingest.upload: %w: empty user id", domain.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("op=ingest.upload: %w: empty file", domain.ErrInvalidArgument)
	}
	if !acceptedContentUpload(filename, mime, data) {
		return "", fmt.Errorf("op=ingest.upload: %w: unsupported document type", domain.ErrInvalidArgument)
	}

	checksum := checksumHex(data)

	if existing, err := s.Documents.FindByChecksum(ctx, userID, checksum); err == nil {
		if err := s.ensureParseQueued(ctx, existing, checksum); err != nil {
			return "", err
		}
		observability.StageEvent(ctx, "ingest.dedup", "document_id", existing.ID, "checksum", checksum)
		return existing.ID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=ingest.upload.find_by_checksum: %w", err)
	}

	blobPath := fmt.Sprintf("documents/%s/%s/%s", userID, checksum, filename)
	if err := s.Store.Put(ctx, blobPath, data, mime); err != nil {
		return "", fmt.Errorf("op=ingest.upload.put: %w", err)
	}

	leverage, err := json.Marshal(domain.DefaultLeverage())
	if err != nil {
		return "", fmt.Errorf("op=ingest.upload.marshal_leverage: %w", err)
	}

	docID, err := s.Documents.Create(ctx, domain.Document{
		UserID:    userID,
		Filename:  filename,
		MIME:      mime,
		BlobPath:  blobPath,
		Checksum:  checksum,
		Status:    domain.DocUploaded,
		Leverage:  leverage,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("op=ingest.upload.create: %w", err)
	}

	if _, err := s.Jobs.Enqueue(ctx, domain.JobTypeParseDoc, &docID, json.RawMessage(`{}`), parseIdempotencyKey(docID, checksum)); err != nil {
		return "", fmt.Errorf("op=ingest.upload.enqueue: %w", err)
	}

	observability.StageEvent(ctx, "ingest.created", "document_id", docID, "checksum", checksum)
	return docID, nil
}

// EnsureProgress implements the status-endpoint auto-heal rule (§4.7,
// §4.5 "stuck document"): if doc is uploaded with no active PARSE_DOC job,
// re-enqueue it via the same idempotency contract.
func (s IngestService) EnsureProgress(ctx domain.Context, doc domain.Document) error {
	if doc.Status != domain.DocUploaded {
		return nil
	}
	active, err := s.Jobs.CountActiveForDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("op=ingest.ensure_progress.count_active: %w", err)
	}
	if active > 0 {
		return nil
	}
	return s.ensureParseQueued(ctx, doc, doc.Checksum)
}

func (s IngestService) ensureParseQueued(ctx domain.Context, doc domain.Document, checksum string) error {
	if doc.Status != domain.DocUploaded {
		return nil
	}
	if _, err := s.Jobs.Enqueue(ctx, domain.JobTypeParseDoc, &doc.ID, json.RawMessage(`{}`), parseIdempotencyKey(doc.ID, checksum)); err != nil {
		return fmt.Errorf("op=ingest.ensure_parse_queued: %w", err)
	}
	observability.RecordRequeue("auto_heal")
	observability.StageEvent(ctx, "ingest.auto_heal", "document_id", doc.ID)
	return nil
}

func parseIdempotencyKey(documentID, checksum string) string {
	return fmt.Sprintf("parse::%s::%s", documentID, checksum)
}

func checksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
