package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extraction is the result of pulling plain text out of an uploaded file.
type Extraction struct {
	Text  string
	Pages *int
}

// Extractor converts a stored file into plain text. Implementations are
// selected per declared mime type; the rest of the pipeline never looks at
// file bytes.
type Extractor interface {
	Extract(r io.Reader, size int64) (Extraction, error)
}

// extractorFor picks an extractor by declared mime type, falling back to the
// file extension. Unsupported types surface through the normal job failure
// path.
func extractorFor(mimeType, filename string) (Extractor, error) {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(normalized, ";"); idx >= 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}

	switch normalized {
	case "text/plain", "text/csv":
		return plainTextExtractor{}, nil
	case "text/markdown", "text/x-markdown":
		return markdownExtractor{}, nil
	case "application/pdf":
		return pdfExtractor{}, nil
	}

	switch strings.ToLower(path.Ext(filename)) {
	case ".txt", ".text", ".log", ".csv":
		return plainTextExtractor{}, nil
	case ".md", ".markdown":
		return markdownExtractor{}, nil
	case ".pdf":
		return pdfExtractor{}, nil
	}

	return nil, fmt.Errorf("ingestion: unsupported file type %q (%s)", mimeType, filename)
}

type plainTextExtractor struct{}

func (plainTextExtractor) Extract(r io.Reader, size int64) (Extraction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Extraction{}, fmt.Errorf("ingestion: read text file: %w", err)
	}
	return Extraction{Text: string(data)}, nil
}

// markdownExtractor keeps the document text but drops the markup characters
// that would pollute sentence splitting and keyword matching.
type markdownExtractor struct{}

func (markdownExtractor) Extract(r io.Reader, size int64) (Extraction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Extraction{}, fmt.Errorf("ingestion: read markdown file: %w", err)
	}

	var builder strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimLeft(line, "#> ")
		trimmed = strings.ReplaceAll(trimmed, "**", "")
		trimmed = strings.ReplaceAll(trimmed, "`", "")
		builder.WriteString(trimmed)
		builder.WriteByte('\n')
	}
	return Extraction{Text: builder.String()}, nil
}

type pdfExtractor struct{}

func (pdfExtractor) Extract(r io.Reader, size int64) (Extraction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Extraction{}, fmt.Errorf("ingestion: read pdf file: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("ingestion: parse pdf: %w", err)
	}

	numPages := reader.NumPage()
	var builder strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single malformed page should not sink the document.
			continue
		}
		builder.WriteString(text)
		builder.WriteByte('\n')
	}

	return Extraction{Text: builder.String(), Pages: &numPages}, nil
}
