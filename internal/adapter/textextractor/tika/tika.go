// Package tika provides Apache Tika integration for text extraction.
//
// It extracts text content from various document formats including
// PDF, Word, and plain text files, serving as the structured-parser
// adapter behind domain.Parser.ParseStructured when TIKA_URL is configured.
package tika

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/clausepipe/internal/domain"
	"github.com/fairyhunter13/clausepipe/pkg/textx"
)

// Client is a minimal Apache Tika HTTP client. It performs PUT /tika with
// Accept: text/plain to retrieve extracted text.
// See: https://tika.apache.org/server/ for API details.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Tika client with a default timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ExtractText PUTs raw document bytes to Tika and returns sanitized plain text.
func (c *Client) ExtractText(ctx context.Context, fileName string, data []byte) (string, error) {
	u := c.baseURL
	if u == "" {
		u = "http://localhost:9998"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("op=tika.extract: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if ct := contentTypeFromExt(extOf(fileName)); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=tika.extract: %w: %w", domain.ErrParser, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=tika.extract: %w: tika status %d", domain.ErrParser, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=tika.extract: %w", err)
	}

	sanitized := textx.SanitizeText(string(b))
	fields := strings.Fields(sanitized)
	return strings.Join(fields, " "), nil
}

// ParseStructured implements domain.Parser.ParseStructured by extracting plain
// text via Tika and wrapping it as a single-block, single-page document. Tika
// does not expose page/bbox structure over its plain-text endpoint, so callers
// needing real structure should prefer ParsePDFNaive/ParseDOCXNaive.
func (c *Client) ParseStructured(ctx context.Context, data []byte) (domain.PagesDoc, error) {
	text, err := c.ExtractText(ctx, "document", data)
	if err != nil {
		return domain.PagesDoc{}, err
	}
	doc := domain.PagesDoc{
		HTMLPages: []string{"<html><body><p>" + text + "</p></body></html>"},
		Blocks: []domain.Block{{
			ID:   "tika-0",
			Page: 0,
			Type: "paragraph",
			Text: text,
		}},
		Tables: []json.RawMessage{},
		Parser: domain.ParserInfo{Engine: "tika", Version: "2.x"},
	}
	return doc, nil
}

func extOf(fileName string) string {
	if i := strings.LastIndexByte(fileName, '.'); i >= 0 {
		return fileName[i:]
	}
	return ""
}

func contentTypeFromExt(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		if ext != "" {
			return mime.TypeByExtension(ext)
		}
	}
	return ""
}
