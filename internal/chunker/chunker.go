// Package chunker normalizes OCR'd document text and splits it into bounded, labelled fragments that fit in
// a prompt.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultChunkSize is the maximum number of characters in one fragment.
	DefaultChunkSize = 2000
	// DefaultMaxTotal is the maximum number of characters kept from a document.
	DefaultMaxTotal = 20000
)

// Document is the chunked form of a document text.
type Document struct {
	// Chunks holds the unlabelled fragments. Joined together they equal the normalized, truncated text.
	Chunks []string
	// Truncated is set when the normalized text was longer than the total budget.
	Truncated bool

	maxTotal int
}

var trailingSpaces = regexp.MustCompile(`[ \t]+(\r?\n)`)

// Normalize removes runs of spaces and tabs before a newline and trims the whole text.
func Normalize(raw string) string {
	return strings.TrimSpace(trailingSpaces.ReplaceAllString(raw, "$1"))
}

// Split normalizes raw, keeps at most maxTotal characters and cuts the result into consecutive windows of
// up to chunkSize characters. Sizes are counted in runes so multi-byte text is never cut mid-character.
// Non-positive sizes fall back to the defaults.
func Split(raw string, chunkSize, maxTotal int) Document {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}

	runes := []rune(Normalize(raw))
	doc := Document{maxTotal: maxTotal}
	if len(runes) > maxTotal {
		runes = runes[:maxTotal]
		doc.Truncated = true
	}

	for start := 0; start < len(runes); start += chunkSize {
		end := min(start+chunkSize, len(runes))
		doc.Chunks = append(doc.Chunks, string(runes[start:end]))
	}
	return doc
}

// Text joins the fragments back together.
func (d Document) Text() string {
	return strings.Join(d.Chunks, "")
}

// Label returns the positional label of the i-th fragment, counting from zero.
func Label(i, total int) string {
	return fmt.Sprintf("[fragment %d/%d]", i+1, total)
}

// Labeled returns every fragment prefixed with its positional label, followed by a truncation notice when
// part of the document was dropped.
func (d Document) Labeled() []string {
	out := make([]string, 0, len(d.Chunks)+1)
	for i, c := range d.Chunks {
		out = append(out, Label(i, len(d.Chunks))+"\n"+c)
	}
	if d.Truncated {
		out = append(out, TruncationNotice(d.maxTotal))
	}
	return out
}

// TruncationNotice is the sentinel fragment appended when the document exceeded the total budget.
func TruncationNotice(maxTotal int) string {
	return fmt.Sprintf("[notice] The document is longer than %d characters and the rest was truncated. "+
		"If the answer depends on a later part, ask the student to name the specific page or section.", maxTotal)
}

// StripLabel removes the positional label added by Labeled, returning the fragment unchanged when it has
// no label.
func StripLabel(fragment string) string {
	if !strings.HasPrefix(fragment, "[fragment ") {
		return fragment
	}
	idx := strings.Index(fragment, "]\n")
	if idx < 0 {
		return fragment
	}
	return fragment[idx+2:]
}
