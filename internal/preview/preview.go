// Package preview derives the plain-text list-pane preview from stored note
// content. The preview is also what the save path compares against its cached
// copy to decide whether a list refresh broadcast is needed.
package preview

import (
	"regexp"
	"strings"
)

// Length is the number of characters of preview text that participate in
// change comparison. Longer previews may be displayed, but only this prefix
// decides whether a refresh broadcast fires.
const Length = 200

var (
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	entityRe = regexp.MustCompile(`&[a-zA-Z#0-9]+;`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// Text strips markup from content and collapses whitespace.
func Text(content string) string {
	s := tagRe.ReplaceAllString(content, " ")
	s = entities.Replace(s)
	s = entityRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Prefix returns the comparison prefix of the preview text for content.
func Prefix(content string) string {
	return Truncate(Text(content), Length)
}

// Truncate cuts s to at most n runes without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
