package domain

import (
	"regexp"
	"strings"
)

var (
	tagRe = regexp.MustCompile(`<[^>]*>`)

	entityDecoder = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
		"&quot;", `"`,
		"&#x27;", "'",
		"&#x2F;", "/",
	)
	htmlEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
	)
)

// SanitizeContent removes markup and escapes the characters a renderer
// could interpret as HTML. Applied to every chat line before relay.
func SanitizeContent(content string) string {
	text := tagRe.ReplaceAllString(content, "")
	text = entityDecoder.Replace(text)
	return htmlEscaper.Replace(text)
}
