// Package sanitize maps arbitrary remote names to safe, bounded local file names.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// MaxLen is the maximum length of a sanitized name, in runes.
	MaxLen = 100
	// Fallback is returned when sanitizing leaves nothing behind.
	Fallback = "unnamed"

	// SourceExt is the extension of markup source pages on the remote site.
	SourceExt = ".md"
	// RenderedExt is the extension of mirrored pages.
	RenderedExt = ".html"
)

var (
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun = regexp.MustCompile(`[\s\p{Z}\x85]+`)
)

// Name decodes percent-encoding, replaces reserved and control characters,
// collapses whitespace and truncates the result to MaxLen runes.
func Name(raw string) string {
	name := strings.ToValidUTF8(Unescape(raw), "\uFFFD")
	name = strings.TrimSpace(name)
	name = reservedChars.ReplaceAllString(name, "_")
	name = whitespaceRun.ReplaceAllString(name, "_")
	if runes := []rune(name); len(runes) > MaxLen {
		name = string(runes[:MaxLen])
	}
	switch name {
	case "", ".", "..":
		return Fallback
	}
	return name
}

// Unescape decodes every well-formed %XX escape and keeps malformed ones
// verbatim. The result may hold invalid UTF-8.
func Unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Rendered rewrites a trailing source extension to the rendered extension.
// Names without the source extension are returned unchanged.
func Rendered(stem string) string {
	if !strings.HasSuffix(stem, SourceExt) {
		return stem
	}
	return strings.TrimSuffix(stem, SourceExt) + RenderedExt
}

// Page returns the local file name for a remote page stem.
func Page(stem string) string {
	return Name(Rendered(stem))
}

// Basename returns the last path component of a slash-separated reference.
func Basename(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}
