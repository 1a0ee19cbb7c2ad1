package ingestion

import "strings"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// chunkSegment is one retrieval unit. StartChar/EndChar are rune offsets of
// the segment's own sentences within the cleaned text; the overlap prefix
// carried over from the previous chunk is not included in the offsets.
type chunkSegment struct {
	Text      string
	StartChar int
	EndChar   int
}

type chunker struct {
	chunkSize int
	overlap   int
}

func newChunker(chunkSize, overlap int) *chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &chunker{chunkSize: chunkSize, overlap: overlap}
}

type sentence struct {
	text  string
	start int
	end   int
}

// split turns extracted text into overlapping sentence-aligned segments. It is
// pure: identical input and parameters always yield an identical sequence.
func (c *chunker) split(text string) []chunkSegment {
	cleaned := cleanText(text)
	if cleaned == "" {
		return nil
	}

	sentences := splitSentences(cleaned)
	if len(sentences) == 0 {
		return nil
	}
	runes := []rune(cleaned)

	var segments []chunkSegment

	var builder strings.Builder
	bodyLen := 0 // rune length of builder content
	bodyStart := 0
	bodyEnd := 0
	hasBody := false

	flush := func() {
		if !hasBody {
			return
		}
		segments = append(segments, chunkSegment{
			Text:      builder.String(),
			StartChar: bodyStart,
			EndChar:   bodyEnd,
		})
	}

	for _, s := range sentences {
		sentLen := runeLen(s.text)
		// Sentences are joined with their original separator from the cleaned
		// text, so a paragraph break inside a chunk stays a paragraph break.
		sepLen := 0
		if hasBody {
			sepLen = s.start - bodyEnd
		}

		if hasBody && bodyLen+sepLen+sentLen > c.chunkSize {
			flush()

			tail := c.overlapTail(builder.String())
			builder.Reset()
			bodyLen = 0
			hasBody = false
			if tail != "" {
				builder.WriteString(tail)
				builder.WriteByte(' ')
				bodyLen = runeLen(tail) + 1
			}
			bodyStart = s.start
		}

		if !hasBody {
			if builder.Len() == 0 {
				bodyStart = s.start
			}
			hasBody = true
		} else {
			builder.WriteString(string(runes[bodyEnd:s.start]))
			bodyLen += s.start - bodyEnd
		}
		builder.WriteString(s.text)
		bodyLen += sentLen
		bodyEnd = s.end
	}
	flush()

	return segments
}

// overlapTail picks the trailing words of a closed chunk to seed the next
// one. The carried length scales with overlap/chunkSize so short chunks do
// not repeat themselves wholesale.
func (c *chunker) overlapTail(closed string) string {
	if c.overlap <= 0 {
		return ""
	}
	target := runeLen(closed) * c.overlap / c.chunkSize
	if target <= 0 {
		return ""
	}

	words := strings.Fields(closed)
	taken := 0
	idx := len(words)
	for idx > 0 {
		wordLen := runeLen(words[idx-1])
		if taken > 0 {
			wordLen++ // joining space
		}
		if taken+wordLen > target {
			break
		}
		taken += wordLen
		idx--
	}
	if idx == len(words) {
		return ""
	}
	return strings.Join(words[idx:], " ")
}

// cleanText normalizes line endings, collapses runs of three or more blank
// lines down to a single blank line, and trims surrounding whitespace.
func cleanText(text string) string {
	if text == "" {
		return ""
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var builder strings.Builder
	builder.Grow(len(normalized))
	newlineRun := 0
	for _, r := range normalized {
		if r == '\n' {
			newlineRun++
			continue
		}
		if newlineRun > 0 {
			// 3+ blank lines is a run of 4+ newline characters.
			if newlineRun >= 4 {
				newlineRun = 2
			}
			for i := 0; i < newlineRun; i++ {
				builder.WriteByte('\n')
			}
			newlineRun = 0
		}
		builder.WriteRune(r)
	}

	return strings.TrimSpace(builder.String())
}

// splitSentences breaks cleaned text on `.`, `!` or `?` followed by
// whitespace. Offsets are rune positions in the cleaned text.
func splitSentences(cleaned string) []sentence {
	runes := []rune(cleaned)
	total := len(runes)

	var sentences []sentence
	start := -1
	for i := 0; i < total; i++ {
		r := runes[i]
		if start == -1 {
			if isSpaceRune(r) {
				continue
			}
			start = i
		}
		if !isSentenceEnd(r) {
			continue
		}
		// Absorb a run of terminal punctuation ("..." or "?!").
		end := i
		for end+1 < total && isSentenceEnd(runes[end+1]) {
			end++
		}
		if end+1 < total && !isSpaceRune(runes[end+1]) {
			i = end
			continue
		}
		text := strings.TrimSpace(string(runes[start : end+1]))
		if text != "" {
			sentences = append(sentences, sentence{text: text, start: start, end: end + 1})
		}
		i = end
		start = -1
	}
	if start != -1 {
		text := strings.TrimSpace(string(runes[start:]))
		if text != "" {
			sentences = append(sentences, sentence{text: text, start: start, end: total})
		}
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}

func runeLen(s string) int {
	return len([]rune(s))
}
