package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidationError represents a single field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a request field.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidateDocumentID checks that a path-supplied document id is a well-formed
// UUID, matching the ids minted by domain.DocumentRepository.Create.
func ValidateDocumentID(id string) ValidationResult {
	if id == "" {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "id", Code: "REQUIRED", Message: "document id is required"},
		}}
	}
	if _, err := uuid.Parse(id); err != nil {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "id", Code: "INVALID_FORMAT", Message: "document id must be a UUID"},
		}}
	}
	return ValidationResult{Valid: true}
}

// ValidateDocumentStatus checks a status filter against the actual
// DocumentStatus vocabulary.
func ValidateDocumentStatus(status string) ValidationResult {
	if status == "" {
		return ValidationResult{Valid: true}
	}
	switch status {
	case "uploaded", "parsed", "chunked", "extracted", "graphed", "analyzed", "failed":
		return ValidationResult{Valid: true}
	default:
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "status", Code: "INVALID_VALUE", Message: "unrecognized document status"},
		}}
	}
}

var filenameDisallowed = regexp.MustCompile(`[\x00-\x1f/\\]`)

// SanitizeFilename strips control characters and path separators from a
// client-supplied filename before it is used to build a blob path.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = filenameDisallowed.ReplaceAllString(name, "_")
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "")
	}
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" {
		name = "upload.bin"
	}
	return name
}
