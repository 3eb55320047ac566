// ABOUTME: Markdown rendering for outbound Matrix messages.
// ABOUTME: Produces the HTML formatted_body sent alongside the plain-text body.

package matrix

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Table, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderHTML converts a markdown reply to HTML. It returns "" when the text
// has no markup, so plain replies are sent without a formatted body.
func renderHTML(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if out == "<p>"+html.EscapeString(strings.TrimSpace(text))+"</p>" {
		return ""
	}
	return out
}
