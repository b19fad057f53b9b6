// ABOUTME: Markdown to HTML rendering for thread history
// ABOUTME: Uses goldmark with GFM extensions and escapes raw HTML from the model

package gateway

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// renderMarkdown converts message markdown into HTML. Raw HTML in the source
// is omitted since goldmark's default renderer is not in unsafe mode.
func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
