package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDirSource_ListAndFetch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "guide.md", "# Guide\n")
	writeFile(t, root, "api/reference.md", "# Reference\n")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, ".hidden.md", "secret")

	src := NewDirSource(root)
	objs, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	keys := make(map[string]bool, len(objs))
	for _, o := range objs {
		keys[o.Key] = true
		if o.Size == 0 {
			t.Errorf("object %s has zero size", o.Key)
		}
	}
	if len(keys) != 2 || !keys["guide.md"] || !keys["api/reference.md"] {
		t.Errorf("keys = %v, want guide.md and api/reference.md only", keys)
	}

	data, err := src.Fetch(context.Background(), "api/reference.md")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "# Reference\n" {
		t.Errorf("Fetch = %q", data)
	}
}

func TestDirSource_FetchMissing(t *testing.T) {
	src := NewDirSource(t.TempDir())
	if _, err := src.Fetch(context.Background(), "nope.md"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
