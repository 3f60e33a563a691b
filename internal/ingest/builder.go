package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/lanterndocs/lantern/internal/objstore"
)

// Source lists and fetches raw documentation files. The real
// implementation is *objstore.Store.
type Source interface {
	List(ctx context.Context) ([]objstore.Object, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Builder assembles a single corpus document from every supported file
// in the source. The corpus is what gets uploaded and chunked into the
// search index.
type Builder struct {
	source Source
	logger *slog.Logger
}

// NewBuilder creates a corpus builder.
func NewBuilder(source Source, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{source: source, logger: logger}
}

// Build fetches every markdown, HTML, and plain-text file from the
// source and writes the combined corpus to w. It returns the number of
// files that contributed content. Unsupported files are skipped, and a
// single unreadable file fails the whole build so a partial corpus is
// never indexed.
func (b *Builder) Build(ctx context.Context, w io.Writer) (int, error) {
	objects, err := b.source.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list source: %w", err)
	}

	count := 0
	for _, obj := range objects {
		ext := strings.ToLower(path.Ext(obj.Key))
		switch ext {
		case ".md", ".markdown", ".html", ".htm", ".txt":
		default:
			b.logger.Debug("skipping unsupported file", "key", obj.Key)
			continue
		}

		data, err := b.source.Fetch(ctx, obj.Key)
		if err != nil {
			return count, fmt.Errorf("fetch %s: %w", obj.Key, err)
		}

		var rendered string
		switch ext {
		case ".md", ".markdown":
			rendered = renderMarkdown(obj.Key, data)
		case ".html", ".htm":
			rendered = renderHTML(obj.Key, string(data))
		case ".txt":
			rendered = renderPlain(obj.Key, string(data))
		}

		if rendered == "" {
			b.logger.Debug("file produced no content", "key", obj.Key)
			continue
		}

		if _, err := io.WriteString(w, rendered); err != nil {
			return count, fmt.Errorf("write corpus: %w", err)
		}
		count++
	}

	b.logger.Info("corpus built", "files", count, "listed", len(objects))
	return count, nil
}

// renderMarkdown re-emits a markdown file as keyed sections so chunk
// boundaries land on headings.
func renderMarkdown(key string, data []byte) string {
	sections := SplitMarkdown(bytes.NewReader(data))
	if len(sections) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, sec := range sections {
		fmt.Fprintf(&sb, "# %s\n\n", sec.Title)
		fmt.Fprintf(&sb, "Source: %s (%s)\n\n", key, sec.Key)
		sb.WriteString(sec.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// renderHTML reduces an HTML page to its title and readable text.
func renderHTML(key, raw string) string {
	title, text := ExtractHTML(raw)
	if text == "" {
		return ""
	}
	if title == "" {
		title = path.Base(key)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "Source: %s\n\n", key)
	sb.WriteString(text)
	sb.WriteString("\n\n")
	return sb.String()
}

// renderPlain passes a text file through under its own filename.
func renderPlain(key, raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", path.Base(key))
	fmt.Fprintf(&sb, "Source: %s\n\n", key)
	sb.WriteString(text)
	sb.WriteString("\n\n")
	return sb.String()
}
