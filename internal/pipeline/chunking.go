package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

var paragraphTagPattern = regexp.MustCompile(`(?is)<p[^>]*>(.*?)</p>`)
var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// ChunksFromPagesJSON builds chunks strictly from a parsed document's blocks
// and html_pages — it never re-reads the original file (§4.4.2). One chunk
// is produced per parser block when blocks exist; otherwise paragraph
// chunks are derived from the HTML pages.
func ChunksFromPagesJSON(documentID string, pages domain.PagesDoc) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, b := range pages.Blocks {
		meta, err := json.Marshal(map[string]any{"bbox": b.BBox, "source": "docling"})
		if err != nil {
			return nil, fmt.Errorf("op=pipeline.chunks_from_blocks: %w", err)
		}
		kind := b.Type
		if kind == "" {
			kind = "para"
		}
		out = append(out, domain.Chunk{
			DocumentID: documentID,
			BlockID:    b.ID,
			Page:       b.Page,
			Kind:       kind,
			Text:       strings.TrimSpace(b.Text),
			Metadata:   meta,
		})
	}
	if len(out) > 0 {
		return out, nil
	}

	for pageIndex, html := range pages.HTMLPages {
		if html == "" {
			continue
		}
		matches := paragraphTagPattern.FindAllStringSubmatch(html, -1)
		for i, m := range matches {
			text := strings.TrimSpace(htmlTagPattern.ReplaceAllString(m[1], " "))
			text = strings.Join(strings.Fields(text), " ")
			if text == "" {
				continue
			}
			meta, err := json.Marshal(map[string]any{"source": "html_fallback"})
			if err != nil {
				return nil, fmt.Errorf("op=pipeline.chunks_from_html: %w", err)
			}
			out = append(out, domain.Chunk{
				DocumentID: documentID,
				BlockID:    fmt.Sprintf("p-%d-%d", pageIndex, i),
				Page:       pageIndex,
				Kind:       "para",
				Text:       text,
				Metadata:   meta,
			})
		}
	}
	return out, nil
}
