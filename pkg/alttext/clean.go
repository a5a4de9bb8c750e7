package alttext

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// MaxAltLength is the longest alt text, in characters, that is ever stored.
const MaxAltLength = 160

const ellipsis = "…"

// CleanAltText strips markup, collapses whitespace and bounds the length of
// text returned by the API. Text longer than MaxAltLength keeps its first
// MaxAltLength-1 characters followed by an ellipsis.
func CleanAltText(raw string) string {
	text := strings.Join(strings.Fields(stripTags(raw)), " ")
	if utf8.RuneCountInString(text) <= MaxAltLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxAltLength-1]) + ellipsis
}

// SanitizeToken normalises an API key or license key supplied by an
// administrator. Only letters, digits and _-.:|~ survive.
func SanitizeToken(raw string) string {
	stripped := strings.TrimSpace(stripTags(raw))
	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if isTokenRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_-.:|~", r)
}

const maxStripPasses = 8

// stripTags returns the text content of s with all tags removed. Script and
// style bodies are dropped along with their tags. Overlapping brackets can
// leave a new tag behind after one pass, so passes repeat until the text is
// stable and any bracket still left is dropped.
func stripTags(s string) string {
	for i := 0; i < maxStripPasses && strings.ContainsAny(s, "<>"); i++ {
		next := stripTagsOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return ' '
		}
		return r
	}, s)
}

func stripTagsOnce(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way keep what was read.
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Raw())
			}
		}
	}
}

func isRawTag(name string) bool {
	return name == "script" || name == "style"
}
