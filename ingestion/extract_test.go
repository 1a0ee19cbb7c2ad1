package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorForMimeType(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		filename string
		expected Extractor
	}{
		{"plain text", "text/plain", "notes.bin", plainTextExtractor{}},
		{"plain text with charset", "text/plain; charset=utf-8", "notes.bin", plainTextExtractor{}},
		{"csv", "text/csv", "table.bin", plainTextExtractor{}},
		{"markdown", "text/markdown", "readme.bin", markdownExtractor{}},
		{"pdf", "application/pdf", "paper.bin", pdfExtractor{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			extractor, err := extractorFor(tc.mimeType, tc.filename)
			require.NoError(t, err)
			assert.IsType(t, tc.expected, extractor)
		})
	}
}

func TestExtractorForExtensionFallback(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected Extractor
	}{
		{"txt", "notes.txt", plainTextExtractor{}},
		{"log", "server.log", plainTextExtractor{}},
		{"markdown", "README.md", markdownExtractor{}},
		{"pdf", "paper.PDF", pdfExtractor{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			extractor, err := extractorFor("application/octet-stream", tc.filename)
			require.NoError(t, err)
			assert.IsType(t, tc.expected, extractor)
		})
	}
}

func TestExtractorForUnsupported(t *testing.T) {
	_, err := extractorFor("image/png", "photo.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestPlainTextExtract(t *testing.T) {
	content := "Dogs are mammals.\nCats are mammals too.\n"
	extraction, err := plainTextExtractor{}.Extract(strings.NewReader(content), int64(len(content)))

	require.NoError(t, err)
	assert.Equal(t, content, extraction.Text)
	assert.Nil(t, extraction.Pages)
}

func TestMarkdownExtractStripsMarkup(t *testing.T) {
	content := "# Title\n\n> quoted line\n\nSome **bold** text with `code` inline.\n"
	extraction, err := markdownExtractor{}.Extract(strings.NewReader(content), int64(len(content)))

	require.NoError(t, err)
	assert.Contains(t, extraction.Text, "Title")
	assert.Contains(t, extraction.Text, "quoted line")
	assert.Contains(t, extraction.Text, "Some bold text with code inline.")
	assert.NotContains(t, extraction.Text, "#")
	assert.NotContains(t, extraction.Text, "**")
	assert.NotContains(t, extraction.Text, "`")
}

func TestPdfExtractRejectsGarbage(t *testing.T) {
	content := "definitely not a pdf"
	_, err := pdfExtractor{}.Extract(strings.NewReader(content), int64(len(content)))
	require.Error(t, err)
}
