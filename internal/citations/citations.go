// Package citations splits generated text into plain runs and inline
// citation markers such as [1] or [2, 3] that reference a message's sources.
package citations

import (
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Segment is either a run of text or a citation. A citation has at least one
// entry in SourceIndices, each a 0-based index into the source list.
type Segment struct {
	Text          string `json:"text,omitempty"`
	SourceIndices []int  `json:"source_indices,omitempty"`
}

func (s Segment) IsCitation() bool {
	return len(s.SourceIndices) > 0
}

// [0-9] rather than \d: regexp2 matches any Unicode digit for \d.
var markerPattern = regexp2.MustCompile(`\[([0-9]+(?:\s*,\s*[0-9]+)*)\]`, regexp2.None)

// Parse splits text on citation markers that reference entries of sources.
// Markers whose numbers all fall outside sources stay in the text verbatim.
// With no sources the whole text is returned as one segment.
func Parse[S any](text string, sources []S) []Segment {
	whole := []Segment{{Text: text}}
	if len(sources) == 0 {
		return whole
	}

	// regexp2 reports match offsets in runes; offsets maps them back to
	// bytes so segments are cut from text itself, invalid UTF-8 included.
	offsets := runeOffsets(text)
	var segments []Segment
	last := 0

	m, err := markerPattern.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = markerPattern.FindNextMatch(m) {
		indices := resolve(m.GroupByNumber(1).String(), len(sources))
		if len(indices) == 0 {
			continue
		}
		if m.Index > last {
			segments = append(segments, Segment{Text: text[offsets[last]:offsets[m.Index]]})
		}
		segments = append(segments, Segment{SourceIndices: indices})
		last = m.Index + m.Length
	}

	if end := len(offsets) - 1; last < end {
		segments = append(segments, Segment{Text: text[offsets[last]:]})
	}
	if len(segments) == 0 {
		return whole
	}
	return segments
}

// runeOffsets returns the byte offset of every rune in text followed by
// len(text). An invalid byte counts as one rune, as it does for []rune.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

func resolve(group string, n int) []int {
	var out []int
	for _, field := range strings.Split(group, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			continue
		}
		if idx := v - 1; idx >= 0 && idx < n {
			out = append(out, idx)
		}
	}
	return out
}

// HasCitations reports whether any segment is a citation.
func HasCitations(segments []Segment) bool {
	for _, s := range segments {
		if s.IsCitation() {
			return true
		}
	}
	return false
}

// Marker renders the 1-based marker text for a citation segment, e.g. "[2,3]".
func Marker(s Segment) string {
	if !s.IsCitation() {
		return ""
	}
	parts := make([]string, len(s.SourceIndices))
	for i, idx := range s.SourceIndices {
		parts[i] = strconv.Itoa(idx + 1)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
