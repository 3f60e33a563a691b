package bridge

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// renderReply converts a markdown reply from a backend into the HTML
// fragment the gateway accepts. On conversion failure the raw text is
// returned so the user still gets an answer.
func renderReply(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return strings.TrimSpace(buf.String())
}
