package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// AnalysisRepo persists the analyzer's output for each (document, clause) pair.
type AnalysisRepo struct {
	Pool   PgxPool
	Schema Schema
}

// NewAnalysisRepo constructs an AnalysisRepo.
func NewAnalysisRepo(p PgxPool, schema Schema) *AnalysisRepo {
	return &AnalysisRepo{Pool: p, Schema: schema}
}

// Upsert inserts or replaces the analysis for a clause, making ANALYZE safely
// re-runnable on retry (§4.4.5, §8 idempotence property).
func (r *AnalysisRepo) Upsert(ctx domain.Context, a domain.Analysis) error {
	tracer := otel.Tracer("repo.analyses")
	ctx, span := tracer.Start(ctx, "analyses.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "analyses"),
	)

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, clause_id, band_name, band_score, inputs_json, analysis_json, redraft_text, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (clause_id) DO UPDATE SET
			band_name=excluded.band_name, band_score=excluded.band_score,
			inputs_json=excluded.inputs_json, analysis_json=excluded.analysis_json`, r.Schema.Table("analyses"))
	_, err := executorFrom(ctx, r.Pool).Exec(ctx, q, a.ID, a.DocumentID, a.ClauseID, a.BandName, a.BandScore, a.InputsJSON, a.AnalysisJSON, a.RedraftText)
	if err != nil {
		return fmt.Errorf("op=analyses.upsert: %w", err)
	}
	return nil
}

// CountByDocument reports how many clauses of a document have been analyzed,
// backing the ANALYZE completion predicate of §4.4.5/§9.
func (r *AnalysisRepo) CountByDocument(ctx domain.Context, documentID string) (int64, error) {
	tracer := otel.Tracer("repo.analyses")
	ctx, span := tracer.Start(ctx, "analyses.CountByDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "analyses"),
	)

	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id=$1`, r.Schema.Table("analyses"))
	var n int64
	if err := executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=analyses.count_by_document: %w", err)
	}
	return n, nil
}

// UpdateRedraft writes a redraft text for an existing analysis. Exposed for
// the redraft operation contract even though no stage handler calls it.
func (r *AnalysisRepo) UpdateRedraft(ctx domain.Context, analysisID, text string) error {
	tracer := otel.Tracer("repo.analyses")
	ctx, span := tracer.Start(ctx, "analyses.UpdateRedraft")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "analyses"),
	)

	q := fmt.Sprintf(`UPDATE %s SET redraft_text=$2 WHERE id=$1`, r.Schema.Table("analyses"))
	if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, analysisID, text); err != nil {
		return fmt.Errorf("op=analyses.update_redraft: %w", err)
	}
	return nil
}
