package oracle

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	mdCodeFence = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	mdInline    = regexp.MustCompile("`([^`]*)`")
	mdImage     = regexp.MustCompile(`!\[[^\]]*\]\(([^)]*)\)`)
	mdLink      = regexp.MustCompile(`\[[^\]]*\]\(([^)]*)\)`)
	mdHeading   = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	mdBold      = regexp.MustCompile(`(\*\*|__)(.*?)(\*\*|__)`)
	mdItalic    = regexp.MustCompile(`(^|[^*_])[*_]([^*_\n]+)[*_]`)
	mdQuote     = regexp.MustCompile(`(?m)^\s*>\s?`)
)

// CleanReply strips markdown from a model reply: code fences and inline
// code keep their content, links and images reduce to their target, and
// heading, bold, italic and quote markers are dropped. The result is NFC
// with diacritics removed and surrounding whitespace trimmed.
func CleanReply(s string) string {
	s = mdCodeFence.ReplaceAllString(s, "$1")
	s = mdInline.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdBold.ReplaceAllString(s, "$2")
	s = mdItalic.ReplaceAllString(s, "$1$2")
	s = mdQuote.ReplaceAllString(s, "")

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	return strings.TrimSpace(s)
}
