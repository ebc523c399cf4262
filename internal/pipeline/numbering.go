package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// numberingPattern recognizes common leading numbering schemes on heading
// text: "Section 3.2", roman numerals, "A.", "a)", "3.1", "(3)", "(a)".
var numberingPattern = regexp.MustCompile(`(?i)^\s*(?:Section\s+\d+(?:\.\d+)*|\(\d+\)|\([a-z]\)|\d+(?:\.\d+)*|[a-z]\)|[A-Z]\.|M{0,4}(?:CM|CD|D?C{0,3})(?:XC|XL|L?X{0,3})(?:IX|IV|V?I{0,3}))[\s.:–-]*`)

// StripLeadingNumbering removes a leading numbering prefix from heading text,
// returning the stripped text and the matched prefix (nil when no prefix was
// found).
func StripLeadingNumbering(s string) (string, *string) {
	if s == "" {
		return s, nil
	}
	loc := numberingPattern.FindStringIndex(s)
	if loc == nil || loc[0] != 0 {
		return s, nil
	}
	prefix := strings.TrimSpace(s[:loc[1]])
	if prefix == "" {
		return s, nil
	}
	// A match that runs straight into a letter is the start of a word
	// ("Confidentiality"), not a numbering prefix.
	if end := loc[1]; end < len(s) {
		prev, next := rune(s[end-1]), rune(s[end])
		if (unicode.IsLetter(prev) || unicode.IsDigit(prev)) && unicode.IsLetter(next) {
			return s, nil
		}
	}
	stripped := strings.TrimLeft(s[loc[1]:], " \t")
	return stripped, &prefix
}

// section groups consecutive blocks under the heading that introduces them,
// used by the extractor's structured path to recover clause titles.
type section struct {
	Title     string
	PageStart int
	PageEnd   int
	BlockIDs  []string
	Text      string
}

// sectionize groups blocks into sections keyed by heading blocks, mirroring
// the source's heading-to-body grouping so a heading with no recognized
// keyword body still yields a named section (backs scenario S3's fallback).
func sectionize(blocks []domain.Block) []section {
	var sections []section
	var current *section

	flushBody := func(s *section, body []string) {
		s.Text = strings.Join(body, "\n")
	}

	var body []string
	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if strings.EqualFold(b.Type, "heading") && text != "" {
			if current != nil {
				flushBody(current, body)
				sections = append(sections, *current)
			}
			title, _ := StripLeadingNumbering(text)
			current = &section{Title: strings.TrimSpace(title), PageStart: b.Page, PageEnd: b.Page}
			body = nil
			continue
		}
		if current == nil {
			current = &section{PageStart: b.Page, PageEnd: b.Page}
			body = nil
		}
		current.PageEnd = b.Page
		if b.ID != "" {
			current.BlockIDs = append(current.BlockIDs, b.ID)
		}
		if text != "" {
			body = append(body, text)
		}
	}
	if current != nil {
		flushBody(current, body)
		sections = append(sections, *current)
	}
	return sections
}
