package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// DocumentRepo persists documents, the pipeline's primary entity.
type DocumentRepo struct {
	Pool   PgxPool
	Schema Schema
}

// NewDocumentRepo constructs a DocumentRepo.
func NewDocumentRepo(p PgxPool, schema Schema) *DocumentRepo {
	return &DocumentRepo{Pool: p, Schema: schema}
}

// Create inserts a new document row in the uploaded state.
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "documents"),
	)

	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	leverage := d.Leverage
	if len(leverage) == 0 {
		b, _ := json.Marshal(domain.DefaultLeverage())
		leverage = b
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, filename, mime, blob_path, checksum, status, leverage_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())`, r.Schema.Table("documents"))
	_, err := executorFrom(ctx, r.Pool).Exec(ctx, q, id, d.UserID, d.Filename, d.MIME, d.BlobPath, d.Checksum, domain.DocUploaded, leverage)
	if err != nil {
		return "", fmt.Errorf("op=documents.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "documents"),
	)

	q := fmt.Sprintf(`SELECT id, user_id, filename, mime, blob_path, checksum, status, pages_json, text_plain, graph_json, leverage_json, created_at
		FROM %s WHERE id=$1`, r.Schema.Table("documents"))
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, id)
	d, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Document{}, fmt.Errorf("op=documents.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=documents.get: %w", err)
	}
	return d, nil
}

// FindByChecksum implements the (user_id, checksum) dedup invariant (§3).
func (r *DocumentRepo) FindByChecksum(ctx domain.Context, userID, checksum string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.FindByChecksum")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "documents"),
	)

	q := fmt.Sprintf(`SELECT id, user_id, filename, mime, blob_path, checksum, status, pages_json, text_plain, graph_json, leverage_json, created_at
		FROM %s WHERE user_id=$1 AND checksum=$2 LIMIT 1`, r.Schema.Table("documents"))
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, userID, checksum)
	d, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Document{}, fmt.Errorf("op=documents.find_checksum: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=documents.find_checksum: %w", err)
	}
	return d, nil
}

// SetParsed writes the PARSE_DOC artifacts and advances status to parsed.
func (r *DocumentRepo) SetParsed(ctx domain.Context, id string, pagesJSON json.RawMessage, textPlain string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetParsed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "documents"),
	)

	q := fmt.Sprintf(`UPDATE %s SET pages_json=$2, text_plain=$3, status=$4 WHERE id=$1`, r.Schema.Table("documents"))
	if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, id, pagesJSON, textPlain, domain.DocParsed); err != nil {
		return fmt.Errorf("op=documents.set_parsed: %w", err)
	}
	return nil
}

// SetStatus advances status without writing stage artifacts.
func (r *DocumentRepo) SetStatus(ctx domain.Context, id string, status domain.DocumentStatus) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "documents"),
		attribute.String("document.status", string(status)),
	)

	q := fmt.Sprintf(`UPDATE %s SET status=$2 WHERE id=$1`, r.Schema.Table("documents"))
	if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("op=documents.set_status: %w", err)
	}
	return nil
}

// SetGraph writes the BAND_MAP_GRAPH artifact and advances status to graphed.
func (r *DocumentRepo) SetGraph(ctx domain.Context, id string, graphJSON json.RawMessage) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetGraph")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "documents"),
	)

	q := fmt.Sprintf(`UPDATE %s SET graph_json=$2, status=$3 WHERE id=$1`, r.Schema.Table("documents"))
	if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, id, graphJSON, domain.DocGraphed); err != nil {
		return fmt.Errorf("op=documents.set_graph: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var d domain.Document
	err := row.Scan(&d.ID, &d.UserID, &d.Filename, &d.MIME, &d.BlobPath, &d.Checksum, &d.Status,
		&d.PagesJSON, &d.TextPlain, &d.GraphJSON, &d.Leverage, &d.CreatedAt)
	if err != nil {
		return domain.Document{}, err
	}
	return d, nil
}
