// Package ingest prepares documentation sources for the assistant's
// search index: it splits markdown into section documents and strips
// HTML pages down to readable text.
package ingest

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// Section is one semantic unit of a markdown document, keyed by its
// heading path.
type Section struct {
	Key     string
	Title   string
	Content string
}

var (
	h1Pattern        = regexp.MustCompile(`^#\s+(.+)$`)
	h2Pattern        = regexp.MustCompile(`^##\s+(.+)$`)
	h3Pattern        = regexp.MustCompile(`^###\s+(.+)$`)
	codeBlockPattern = regexp.MustCompile("^```")
	slugPattern      = regexp.MustCompile(`[^a-z0-9]+`)
)

// SplitMarkdown extracts heading-delimited sections from markdown
// content. Fenced code blocks are kept intact inside their section
// even when they contain heading-like lines.
func SplitMarkdown(r io.Reader) []Section {
	var sections []Section
	scanner := bufio.NewScanner(r)

	var currentH1, currentH2 string
	var currentTitle string
	var currentContent strings.Builder
	var lastKey string

	flush := func() {
		content := strings.TrimSpace(currentContent.String())
		if content != "" && lastKey != "" {
			sections = append(sections, Section{
				Key:     lastKey,
				Title:   currentTitle,
				Content: content,
			})
		}
		currentContent.Reset()
	}

	inCodeBlock := false

	for scanner.Scan() {
		line := scanner.Text()

		if codeBlockPattern.MatchString(line) {
			inCodeBlock = !inCodeBlock
			currentContent.WriteString(line + "\n")
			continue
		}

		if inCodeBlock {
			currentContent.WriteString(line + "\n")
			continue
		}

		if m := h1Pattern.FindStringSubmatch(line); m != nil {
			flush()
			currentH1 = m[1]
			currentH2 = ""
			currentTitle = currentH1
			lastKey = slugify(currentH1)
			continue
		}

		if m := h2Pattern.FindStringSubmatch(line); m != nil {
			flush()
			currentH2 = m[1]
			currentTitle = currentH2
			if currentH1 != "" {
				lastKey = slugify(currentH1) + "/" + slugify(currentH2)
			} else {
				lastKey = slugify(currentH2)
			}
			continue
		}

		if m := h3Pattern.FindStringSubmatch(line); m != nil {
			flush()
			h3 := m[1]
			currentTitle = h3
			switch {
			case currentH2 != "":
				lastKey = slugify(currentH1) + "/" + slugify(currentH2) + "/" + slugify(h3)
			case currentH1 != "":
				lastKey = slugify(currentH1) + "/" + slugify(h3)
			default:
				lastKey = slugify(h3)
			}
			continue
		}

		if line != "" || currentContent.Len() > 0 {
			currentContent.WriteString(line + "\n")
		}
	}

	flush()

	return sections
}

// slugify converts a heading to a key-friendly form.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
