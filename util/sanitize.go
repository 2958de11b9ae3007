package util

import (
	"github.com/microcosm-cc/bluemonday"
)

// contentPolicy is the allow-list applied to every piece of remote HTML
// before it is persisted. Anchors keep rel/class so mention and hashtag
// markup survives; img is not allowed, so remote posts cannot embed trackers.
var contentPolicy = buildContentPolicy()

func buildContentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"a", "br", "p", "span",
		"b", "strong", "i", "em", "del", "s", "u", "sub", "sup",
		"code", "pre", "blockquote",
		"ul", "ol", "li",
		"h1", "h2", "h3", "h4", "h5", "h6",
	)

	p.AllowAttrs("href", "rel").OnElements("a")
	p.AllowAttrs("class").OnElements("a", "span", "p", "code", "pre")
	p.AllowAttrs("title").OnElements("a", "abbr")

	// javascript:, data: and friends are dropped with the element
	p.AllowURLSchemes("http", "https", "gemini", "gopher", "xmpp", "mailto")
	p.RequireNoFollowOnLinks(true)

	return p
}

// SanitizeContent strips remote HTML down to the allow-list. The result is
// stable: sanitizing twice yields the same string.
func SanitizeContent(html string) string {
	return contentPolicy.Sanitize(html)
}

var strictPolicy = bluemonday.StrictPolicy()

// StripHTML removes all markup, leaving text only. Used for display names
// and summaries in contexts where markup is never allowed.
func StripHTML(html string) string {
	return strictPolicy.Sanitize(html)
}
