// ABOUTME: Markdown rendering for outgoing Matrix messages
// ABOUTME: Produces org.matrix.custom.html bodies and folds embeds into the markdown

package executor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/2389/toolgate/internal/tools"
)

// Raw HTML in message content is omitted; only markdown is rendered.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// formatMarkdown renders body as HTML for formatted_body. It returns "" when
// the result would be a single plain paragraph.
func formatMarkdown(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	out := strings.TrimSpace(buf.String())

	inner, hasOpen := strings.CutPrefix(out, "<p>")
	inner, hasClose := strings.CutSuffix(inner, "</p>")
	if hasOpen && hasClose && !strings.Contains(inner, "<") {
		return "", nil
	}
	return out, nil
}

// composeMessage appends e to content as a quoted markdown block.
func composeMessage(content string, e *tools.Embed) string {
	if e.Empty() {
		return content
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n")

	heading := true
	switch {
	case e.Title != "" && e.URL != "":
		fmt.Fprintf(&b, "> **[%s](%s)**\n", e.Title, e.URL)
	case e.Title != "":
		fmt.Fprintf(&b, "> **%s**\n", e.Title)
	case e.URL != "":
		fmt.Fprintf(&b, "> <%s>\n", e.URL)
	default:
		heading = false
	}

	if e.Description != "" {
		if heading {
			b.WriteString(">\n")
		}
		for _, line := range strings.Split(e.Description, "\n") {
			b.WriteString("> " + line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
