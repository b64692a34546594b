package relay

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// partHeader prefixes each chunk of a multi-part reply.
const partHeader = "(Part %d/%d)\n\n"

// HeaderBudget is the room reserved for the part header, sized for replies
// of up to 999 parts.
var HeaderBudget = TextLen(fmt.Sprintf(partHeader, 999, 999))

// maxEntityLen bounds how far a hard cut looks back for an HTML entity.
const maxEntityLen = 10

// Chunk is one outbound message of a segmented reply.
type Chunk struct {
	Text  string
	Index int // 1-based
	Total int
}

// Header returns "(Part i/N)\n\n", or "" for single-chunk replies.
func (c Chunk) Header() string {
	if c.Total <= 1 {
		return ""
	}
	return fmt.Sprintf(partHeader, c.Index, c.Total)
}

// Render returns the header followed by the chunk text.
func (c Chunk) Render() string {
	return c.Header() + c.Text
}

// TextLen returns the length of s as Telegram counts it, in UTF-16 code
// units. Characters outside the Basic Multilingual Plane count twice.
func TextLen(s string) int {
	n := 0
	for _, c := range s {
		n += units(c)
	}
	return n
}

func units(c rune) int {
	if n := utf16.RuneLen(c); n > 0 {
		return n
	}
	return 1 // invalid runes are sent as U+FFFD
}

// fitRunes returns how many leading runes of r fit in maxUnits.
func fitRunes(r []rune, maxUnits int) int {
	n := 0
	for i, c := range r {
		n += units(c)
		if n > maxUnits {
			return i
		}
	}
	return len(r)
}

// Split breaks text into trimmed, non-empty chunks of at most maxLen UTF-16
// code units.
// It prefers the last newline before the limit, then the last space, and
// otherwise cuts hard, never inside an HTML entity.
func Split(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen < 1 {
		maxLen = 1
	}

	r := []rune(text)
	var chunks []string
	for len(r) > 0 {
		if fitRunes(r, maxLen) == len(r) {
			chunks = append(chunks, string(r))
			break
		}

		cut := splitPoint(r, maxLen)
		if chunk := strings.TrimSpace(string(r[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		r = trimLeftSpace(r[cut:])
	}
	return chunks
}

// splitPoint returns where to cut r, which is longer than maxLen.
func splitPoint(r []rune, maxLen int) int {
	// A single astral character cannot fit a one-unit limit; take it anyway.
	n := max(fitRunes(r, maxLen), 1)
	window := r[:n]
	if i := lastIndexRune(window, '\n'); i > 0 {
		return i
	}
	if i := lastIndexRune(window, ' '); i > 0 {
		return i
	}
	return entitySafeCut(r, n)
}

// entitySafeCut moves a hard cut back to the start of an HTML entity the cut
// would otherwise split.
func entitySafeCut(r []rune, cut int) int {
	for i := cut - 1; i >= 0 && cut-i <= maxEntityLen; i-- {
		switch r[i] {
		case ';':
			return cut
		case '&':
			if end := entityEnd(r, i); end > cut && i > 0 {
				return i
			}
			return cut
		}
	}
	return cut
}

// entityEnd returns the index just past the entity starting at r[start]
// ("&amp;", "&#39;", "&#x27;"), or -1 if none starts there.
func entityEnd(r []rune, start int) int {
	i := start + 1
	if i >= len(r) {
		return -1
	}

	var valid func(rune) bool
	switch {
	case r[i] == '#' && i+1 < len(r) && (r[i+1] == 'x' || r[i+1] == 'X'):
		i += 2
		valid = isHexDigit
	case r[i] == '#':
		i++
		valid = unicode.IsDigit
	default:
		valid = func(c rune) bool { return c < utf8.RuneSelf && (unicode.IsLetter(c) || unicode.IsDigit(c)) }
	}

	begin := i
	for i < len(r) && i-start < maxEntityLen && valid(r[i]) {
		i++
	}
	if i == begin || i >= len(r) || r[i] != ';' {
		return -1
	}
	return i + 1
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func lastIndexRune(r []rune, target rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == target {
			return i
		}
	}
	return -1
}

func trimLeftSpace(r []rune) []rune {
	i := 0
	for i < len(r) && unicode.IsSpace(r[i]) {
		i++
	}
	return r[i:]
}

// Segment splits an already escaped reply into chunks that fit hardLimit
// once their part header is added. A reply that fits whole is returned as a
// single header-less chunk. truncated reports chunks whose content had to
// be cut to stay within the limit.
func Segment(text string, hardLimit int) (chunks []Chunk, truncated int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, 0
	}
	if TextLen(text) <= hardLimit {
		return []Chunk{{Text: text, Index: 1, Total: 1}}, 0
	}

	maxChunk := hardLimit - HeaderBudget
	if maxChunk < 1 {
		maxChunk = 1
	}

	parts := Split(text, maxChunk)
	chunks = make([]Chunk, len(parts))
	for i, p := range parts {
		c := Chunk{Text: p, Index: i + 1, Total: len(parts)}
		headerLen := TextLen(c.Header())
		if headerLen+TextLen(p) > hardLimit {
			r := []rune(p)
			c.Text = string(r[:max(fitRunes(r, hardLimit-headerLen), 1)])
			truncated++
		}
		chunks[i] = c
	}
	return chunks, truncated
}
