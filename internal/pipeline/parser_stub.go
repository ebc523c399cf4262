package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// headingPattern recognizes short, title-like lines as section headings —
// a cheap stand-in for the real structured-parser's layout classifier.
var headingPattern = regexp.MustCompile(`^[A-Z0-9][A-Za-z0-9 .,'&/()-]{0,80}$`)

const linesPerPage = 60

// NaiveParser implements domain.Parser with a deterministic, dependency-free
// line-oriented parse: every non-blank input line becomes a block, headings
// are recognized heuristically, and pages are paginated by line count. It
// stands in for the real structured/PDF/DOCX parsers, which are external
// collaborators out of scope for the core (§1, §6).
type NaiveParser struct {
	// Structured optionally delegates ParseStructured to a richer external
	// parser (e.g. Apache Tika). When nil, the naive line parse is used for
	// all three Parser methods.
	Structured func(ctx context.Context, data []byte) (domain.PagesDoc, error)
}

// NewNaiveParser constructs a NaiveParser with no structured delegate.
func NewNaiveParser() *NaiveParser { return &NaiveParser{} }

// ParseStructured returns the delegate's result when configured, falling
// back to the naive line parse otherwise or on delegate error, mirroring
// the handler-level "structured parser returns no usable structure" rule.
func (p *NaiveParser) ParseStructured(ctx domain.Context, data []byte) (domain.PagesDoc, error) {
	if p.Structured != nil {
		if doc, err := p.Structured(ctx, data); err == nil && len(doc.Blocks) > 0 {
			return doc, nil
		}
	}
	doc, _, err := parseLines(data, "naive-structured")
	return doc, err
}

// ParsePDFNaive implements the MIME-specific naive PDF fallback.
func (p *NaiveParser) ParsePDFNaive(ctx domain.Context, data []byte) (domain.PagesDoc, string, error) {
	return parseLines(data, "naive-pdf")
}

// ParseDOCXNaive implements the MIME-specific naive DOCX fallback.
func (p *NaiveParser) ParseDOCXNaive(ctx domain.Context, data []byte) (domain.PagesDoc, string, error) {
	return parseLines(data, "naive-docx")
}

func parseLines(data []byte, engine string) (domain.PagesDoc, string, error) {
	text := sanitizeToText(data)
	lines := strings.Split(text, "\n")

	var blocks []domain.Block
	var plain strings.Builder
	var pages []string
	var pageLines []string
	page := 0
	blockSeq := 0

	flushPage := func() {
		html := "<html><body>"
		for _, l := range pageLines {
			html += "<p>" + l + "</p>"
		}
		html += "</body></html>"
		pages = append(pages, html)
		pageLines = nil
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if plain.Len() > 0 {
			plain.WriteString("\n")
		}
		plain.WriteString(line)

		kind := "para"
		if len(line) <= 80 && headingPattern.MatchString(line) && !strings.HasSuffix(line, ".") {
			kind = "heading"
		}
		blocks = append(blocks, domain.Block{
			ID:   blockID(blockSeq),
			Page: page,
			Type: kind,
			Text: line,
		})
		pageLines = append(pageLines, line)
		blockSeq++
		if len(pageLines) >= linesPerPage {
			flushPage()
			page++
		}
	}
	if len(pageLines) > 0 {
		flushPage()
	}
	if len(pages) == 0 {
		pages = []string{"<html><body></body></html>"}
	}

	doc := domain.PagesDoc{
		HTMLPages: pages,
		Blocks:    blocks,
		Tables:    []json.RawMessage{},
		Parser:    domain.ParserInfo{Engine: engine, Version: "1.0"},
	}
	return doc, plain.String(), nil
}

func blockID(seq int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if seq == 0 {
		return "b-0"
	}
	var b []byte
	for seq > 0 {
		b = append([]byte{alphabet[seq%36]}, b...)
		seq /= 36
	}
	return "b-" + string(b)
}

// sanitizeToText replaces every non-printable or non-ASCII rune with a newline
// and drops carriage returns, keeping the input usable as text even when
// handed genuinely binary PDF/DOCX bytes.
func sanitizeToText(data []byte) string {
	if bytes.HasPrefix(data, []byte("PK")) || bytes.HasPrefix(data, []byte("%PDF")) {
		data = bytes.TrimPrefix(data, []byte("%PDF"))
	}
	var b strings.Builder
	for _, r := range string(data) {
		if r == '\n' || r == '\t' || (unicode.IsPrint(r) && r < unicode.MaxASCII) {
			b.WriteRune(r)
		} else if r == '\r' {
			continue
		} else {
			b.WriteRune('\n')
		}
	}
	return b.String()
}
