// Package sanitize enforces the ingestion content contract: the allow-list
// HTML policy and the attachment rules. The sanitized HTML is what gets
// persisted and sent; raw input is never stored.
package sanitize

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// Value patterns for the CSS property allow-list.
var (
	reCSSColor = regexp.MustCompile(`(?i)^(#[0-9a-f]{3,8}|rgba?\(\s*\d{1,3}\s*,\s*\d{1,3}\s*,\s*\d{1,3}\s*(,\s*(0|1|0?\.\d+)\s*)?\)|[a-z]+)$`)
	reCSSSize  = regexp.MustCompile(`(?i)^-?\d{1,4}(\.\d+)?(px|pt|em|rem|%)?$`)
	reCSSBox   = regexp.MustCompile(`(?i)^(-?\d{1,4}(\.\d+)?(px|pt|em|rem|%)?\s*){1,4}$`)
	reCSSAlign = regexp.MustCompile(`(?i)^(left|right|center|justify)$`)
	reCSSWord  = regexp.MustCompile(`(?i)^[a-z][a-z0-9, \-'"]{0,100}$`)
	reAlign    = regexp.MustCompile(`(?i)^(left|right|center|top|middle|bottom)$`)
	reNumeric  = regexp.MustCompile(`^\d{1,4}$`)
	reNumPct   = regexp.MustCompile(`^\d{1,4}%?$`)
)

// HTMLPolicy wraps the allow-list sanitizer applied to every incoming body.
type HTMLPolicy struct {
	policy *bluemonday.Policy
}

// NewHTMLPolicy builds the gateway policy. Everything not allowed here is
// stripped: script, iframe, object, embed, form, style, link, meta and base
// elements, all event-handler attributes, and any URL scheme other than
// http, https and mailto. Fully qualified anchors come back with
// target="_blank" and rel including noopener/noreferrer.
func NewHTMLPolicy() *HTMLPolicy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"a", "b", "blockquote", "br", "center", "div", "em", "h1", "h2",
		"h3", "h4", "h5", "h6", "hr", "i", "img", "li", "ol", "p", "pre",
		"small", "span", "strike", "strong", "sub", "sup", "table", "tbody",
		"td", "tfoot", "th", "thead", "tr", "u", "ul",
	)

	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("width", "height").Matching(reNumPct).OnElements("img", "table", "td", "th")
	p.AllowAttrs("align", "valign").Matching(reAlign).OnElements("div", "p", "table", "td", "th", "tr", "img")
	p.AllowAttrs("border", "cellpadding", "cellspacing").Matching(reNumeric).OnElements("table")
	p.AllowAttrs("colspan", "rowspan").Matching(reNumeric).OnElements("td", "th")
	p.AllowAttrs("bgcolor").Matching(reCSSColor).OnElements("table", "td", "th", "tr")

	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnFullyQualifiedLinks(true)

	// CSS allow-list; values must match their pattern or the declaration
	// is dropped.
	p.AllowAttrs("style").Globally()
	p.AllowStyles("color", "background-color", "border-color").Matching(reCSSColor).Globally()
	p.AllowStyles("font-size", "line-height", "width", "height", "max-width").Matching(reCSSSize).Globally()
	p.AllowStyles("margin", "padding", "border-width", "border-radius").Matching(reCSSBox).Globally()
	p.AllowStyles("text-align").Matching(reCSSAlign).Globally()
	p.AllowStyles("font-family").Matching(reCSSWord).Globally()
	p.AllowStyles("font-weight").Matching(regexp.MustCompile(`(?i)^(normal|bold|[1-9]00)$`)).Globally()
	p.AllowStyles("text-decoration").Matching(regexp.MustCompile(`(?i)^(none|underline|line-through)$`)).Globally()
	p.AllowStyles("display").Matching(regexp.MustCompile(`(?i)^(block|inline|inline-block|none)$`)).Globally()

	return &HTMLPolicy{policy: p}
}

// Sanitize runs the body through the policy and returns the cleaned HTML.
func (h *HTMLPolicy) Sanitize(html string) string {
	return h.policy.Sanitize(html)
}
