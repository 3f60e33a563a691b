package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lanterndocs/lantern/internal/objstore"
)

// DirSource serves documentation files from a local directory tree.
// It lets `lantern index <dir>` run against a checkout of the docs
// without object storage.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// List walks the tree and returns every regular file, keyed by its
// path relative to the root. Hidden files and directories are skipped.
func (d *DirSource) List(context.Context) ([]objstore.Object, error) {
	var out []objstore.Object

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if path != d.root && strings.HasPrefix(name, ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		out = append(out, objstore.Object{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch reads one file by its relative key.
func (d *DirSource) Fetch(_ context.Context, key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.root, filepath.FromSlash(key)))
}
