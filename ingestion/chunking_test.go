package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkerDefaults(t *testing.T) {
	c := newChunker(0, -1)
	assert.Equal(t, defaultChunkSize, c.chunkSize)
	assert.Equal(t, defaultChunkSize/5, c.overlap)

	c = newChunker(500, 600)
	assert.Equal(t, 500, c.chunkSize)
	assert.Equal(t, 100, c.overlap, "overlap >= chunkSize falls back to a fifth")
}

func TestSplitEmptyInput(t *testing.T) {
	c := newChunker(0, -1)
	assert.Nil(t, c.split(""))
	assert.Nil(t, c.split("   \n\n\t  "))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := newChunker(1000, 200)
	segments := c.split("Dogs are mammals. Cats are mammals too.")

	require.Len(t, segments, 1)
	assert.Equal(t, "Dogs are mammals. Cats are mammals too.", segments[0].Text)
	assert.Equal(t, 0, segments[0].StartChar)
	assert.Equal(t, 39, segments[0].EndChar)
}

func TestSplitPreservesParagraphBreaks(t *testing.T) {
	text := "Para one has a sentence.\n\nPara two has another sentence."
	c := newChunker(1000, 0)
	segments := c.split(text)

	require.Len(t, segments, 1)
	assert.Equal(t, text, segments[0].Text, "inter-sentence separators survive into the chunk")
}

func TestSplitReconstructionCoversCleanedText(t *testing.T) {
	var long strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&long, "Paragraph %d opens with a claim. It closes with a remark.\n\n", i)
	}

	tests := []struct {
		name    string
		chunker *chunker
		input   string
	}{
		{"single chunk with paragraph break", newChunker(1000, 0), "Para one has a sentence.\n\nPara two has another sentence."},
		{"default parameters", newChunker(0, -1), long.String()},
		{"small chunks with overlap", newChunker(200, 50), long.String()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cleaned := cleanText(tc.input)
			segments := tc.chunker.split(tc.input)
			require.NotEmpty(t, segments)

			total := 0
			for _, seg := range segments {
				total += runeLen(seg.Text)
			}
			assert.GreaterOrEqual(t, total, runeLen(cleaned),
				"concatenated chunk contents must not come up shorter than the cleaned text")
		})
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&b, "Sentence number %d talks about topic %d in some detail. ", i, i%7)
	}
	text := b.String()

	c := newChunker(300, 60)
	first := c.split(text)
	second := c.split(text)
	assert.Equal(t, first, second)
}

func TestSplitNoEmptyChunks(t *testing.T) {
	c := newChunker(120, 30)
	segments := c.split("One. Two. Three. Four. Five. Six. Seven. Eight. Nine. Ten. " +
		"A considerably longer sentence that pushes the accumulator over the limit. Short.")

	require.NotEmpty(t, segments)
	for _, seg := range segments {
		assert.NotEmpty(t, strings.TrimSpace(seg.Text))
	}
}

func TestSplitOversizedSentenceKeptWhole(t *testing.T) {
	long := "This single sentence rambles on " + strings.Repeat("and on ", 60) + "without a break."
	require.Greater(t, runeLen(long), 200)

	c := newChunker(200, 40)
	segments := c.split(long)

	require.Len(t, segments, 1)
	assert.Equal(t, long, segments[0].Text)
}

func TestSplitOffsetsPointIntoCleanedText(t *testing.T) {
	text := "First sentence here. Second sentence follows.\n\n\n\n\nThird sentence after blank lines."
	c := newChunker(1000, 0)
	cleaned := cleanText(text)
	segments := c.split(text)

	require.Len(t, segments, 1)
	runes := []rune(cleaned)
	for _, seg := range segments {
		require.GreaterOrEqual(t, seg.StartChar, 0)
		require.LessOrEqual(t, seg.EndChar, len(runes))
		assert.Less(t, seg.StartChar, seg.EndChar)
	}
}

func TestSplitOverlapCarriesTrailingWords(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Fact %d is recorded in the ledger. ", i)
	}

	c := newChunker(200, 50)
	segments := c.split(b.String())
	require.Greater(t, len(segments), 1)

	for i := 1; i < len(segments); i++ {
		prevWords := strings.Fields(segments[i-1].Text)
		require.NotEmpty(t, prevWords)
		lastWord := prevWords[len(prevWords)-1]
		assert.Contains(t, segments[i].Text, lastWord,
			"chunk %d should start with the tail of chunk %d", i, i-1)
	}
}

func TestSplitNoOverlapWhenDisabled(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Entry %d stands alone. ", i)
	}

	c := newChunker(150, 0)
	segments := c.split(b.String())
	require.Greater(t, len(segments), 1)

	// Offsets tile the text without gaps in sentence coverage.
	for i := 1; i < len(segments); i++ {
		assert.GreaterOrEqual(t, segments[i].StartChar, segments[i-1].EndChar)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "crlf normalized",
			input:    "line one\r\nline two\r",
			expected: "line one\nline two",
		},
		{
			name:     "excess blank lines collapsed",
			input:    "para one\n\n\n\n\n\npara two",
			expected: "para one\n\npara two",
		},
		{
			name:     "small blank runs preserved",
			input:    "para one\n\npara two",
			expected: "para one\n\npara two",
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "  \n text \n ",
			expected: "text",
		},
		{
			name:     "empty stays empty",
			input:    "",
			expected: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, cleanText(tc.input))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	sentences := splitSentences("What is this?! It is a test... Indeed.")
	require.Len(t, sentences, 3)
	assert.Equal(t, "What is this?!", sentences[0].text)
	assert.Equal(t, "It is a test...", sentences[1].text)
	assert.Equal(t, "Indeed.", sentences[2].text)
}

func TestSplitSentencesNoTrailingTerminator(t *testing.T) {
	sentences := splitSentences("First part. trailing fragment without punctuation")
	require.Len(t, sentences, 2)
	assert.Equal(t, "trailing fragment without punctuation", sentences[1].text)
}

func TestSplitSentencesDecimalNotBoundary(t *testing.T) {
	sentences := splitSentences("The price rose to 3.5 percent. Markets reacted.")
	require.Len(t, sentences, 2)
	assert.Equal(t, "The price rose to 3.5 percent.", sentences[0].text)
}
