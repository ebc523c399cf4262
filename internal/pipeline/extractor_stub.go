package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

type clauseRule struct {
	Key     string
	Title   string
	Pattern *regexp.Regexp
}

// clauseRules is the deterministic keyword table standing in for the real
// (external, out-of-scope) clause classifier.
var clauseRules = []clauseRule{
	{"drag_along", "Drag-Along Rights", regexp.MustCompile(`(?i)drag[\s-]along clause|drag[\s-]along right`)},
	{"right_of_first_refusal", "Right of First Refusal", regexp.MustCompile(`(?i)right of first refusal`)},
	{"anti_dilution", "Anti-Dilution Protection", regexp.MustCompile(`(?i)anti[\s-]dilution`)},
}

// RegexExtractor implements domain.Extractor with deterministic keyword and
// heading-based rules, standing in for the real structured/plain-text clause
// extractors, which are external collaborators out of scope for the core
// (§1, §6).
type RegexExtractor struct{}

// NewRegexExtractor constructs a RegexExtractor.
func NewRegexExtractor() *RegexExtractor { return &RegexExtractor{} }

// ExtractFromStructured scans a parsed document's blocks, recovering
// heading-derived clauses (e.g. board composition, scenario S3) and
// keyword-matched clauses within block text.
func (e *RegexExtractor) ExtractFromStructured(ctx domain.Context, pages domain.PagesDoc) ([]domain.Snippet, error) {
	var out []domain.Snippet

	for _, sec := range sectionize(pages.Blocks) {
		if strings.Contains(strings.ToLower(sec.Title), "board") {
			page := sec.PageStart
			text := sec.Text
			if text == "" {
				text = sec.Title
			}
			out = append(out, domain.Snippet{
				ClauseKey:  "board_composition",
				Title:      "Board Composition",
				Text:       text,
				PageHint:   &page,
				BlockIDs:   append([]string(nil), sec.BlockIDs...),
				Source:     "heading",
				Confidence: 0.6,
			})
		}
	}

	offset := 0
	for _, b := range pages.Blocks {
		for _, rule := range clauseRules {
			loc := rule.Pattern.FindStringIndex(b.Text)
			if loc == nil {
				continue
			}
			page := b.Page
			out = append(out, domain.Snippet{
				ClauseKey:  rule.Key,
				Title:      rule.Title,
				Text:       strings.TrimSpace(b.Text),
				StartIdx:   offset + loc[0],
				EndIdx:     offset + loc[1],
				PageHint:   &page,
				BlockIDs:   []string{b.ID},
				Source:     "structured_keyword",
				Confidence: 0.8,
			})
		}
		offset += len(b.Text) + 1
	}
	return out, nil
}

// ExtractFromText scans plain text for the same keyword clauses when no
// usable block structure is available.
func (e *RegexExtractor) ExtractFromText(ctx domain.Context, text string) ([]domain.Snippet, error) {
	var out []domain.Snippet
	for _, rule := range clauseRules {
		loc := rule.Pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		start, end := widenToSentence(text, loc[0], loc[1])
		out = append(out, domain.Snippet{
			ClauseKey:  rule.Key,
			Title:      rule.Title,
			Text:       strings.TrimSpace(text[start:end]),
			StartIdx:   start,
			EndIdx:     end,
			Source:     "text_keyword",
			Confidence: 0.7,
		})
	}
	return out, nil
}

// Normalize de-duplicates snippets by clause key (keeping the
// highest-confidence occurrence) and orders them stably by start index then
// clause key, matching the "stable across invocations" extractor contract.
func (e *RegexExtractor) Normalize(ctx domain.Context, snippets []domain.Snippet) ([]domain.Snippet, error) {
	best := make(map[string]domain.Snippet)
	for _, s := range snippets {
		cur, ok := best[s.ClauseKey]
		if !ok || s.Confidence > cur.Confidence {
			best[s.ClauseKey] = s
		}
	}
	out := make([]domain.Snippet, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartIdx != out[j].StartIdx {
			return out[i].StartIdx < out[j].StartIdx
		}
		return out[i].ClauseKey < out[j].ClauseKey
	})
	return out, nil
}

func widenToSentence(text string, start, end int) (int, int) {
	lo := start
	for lo > 0 && text[lo-1] != '\n' {
		lo--
	}
	hi := end
	for hi < len(text) && text[hi] != '\n' {
		hi++
	}
	return lo, hi
}
