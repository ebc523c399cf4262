package pipeline

import (
	"testing"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

func TestChunksFromPagesJSON_PrefersBlocks(t *testing.T) {
	pages := domain.PagesDoc{
		Blocks: []domain.Block{
			{ID: "b-0", Page: 0, Type: "heading", Text: "Board Composition"},
			{ID: "b-1", Page: 0, Type: "para", Text: "The board shall consist of five members."},
		},
	}
	chunks, err := ChunksFromPagesJSON("doc-1", pages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(chunks))
	}
	if chunks[0].BlockID != "b-0" || chunks[0].Kind != "heading" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
}

func TestChunksFromPagesJSON_FallsBackToHTML(t *testing.T) {
	pages := domain.PagesDoc{
		HTMLPages: []string{"<html><body><p>First paragraph.</p><p>Second paragraph.</p></body></html>"},
	}
	chunks, err := ChunksFromPagesJSON("doc-1", pages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "First paragraph." {
		t.Errorf("unexpected text: %q", chunks[0].Text)
	}
	if chunks[0].BlockID != "p-0-0" {
		t.Errorf("unexpected block id: %q", chunks[0].BlockID)
	}
}

func TestChunksFromPagesJSON_EmptyInput(t *testing.T) {
	chunks, err := ChunksFromPagesJSON("doc-1", domain.PagesDoc{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("want 0 chunks, got %d", len(chunks))
	}
}
