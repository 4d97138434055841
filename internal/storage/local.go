package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// URLPrefix is where locally stored files are served from.
const URLPrefix = "/uploads/"

var (
	_ Store            = (*Local)(nil)
	_ ExistenceChecker = (*Local)(nil)
	_ Remover          = (*Local)(nil)
)

// Local writes blobs into a directory on disk.
type Local struct {
	dir string
}

// NewLocal creates dir if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating uploads dir %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

// Save writes r to a new file and returns "/uploads/<name>". A partially
// written file is removed on error.
func (l *Local) Save(ctx context.Context, prefix string, r io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := objectName(prefix, contentType)
	full := filepath.Join(l.dir, name)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: creating %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("storage: writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("storage: closing %s: %w", name, err)
	}
	return URLPrefix + name, nil
}

// Remove deletes the file behind a "/uploads/..." URL. Missing files are not
// an error.
func (l *Local) Remove(_ context.Context, url string) error {
	name, ok := l.localName(url)
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: removing %s: %w", name, err)
	}
	return nil
}

func (l *Local) localName(url string) (string, bool) {
	name, ok := strings.CutPrefix(url, URLPrefix)
	if !ok {
		return "", false
	}
	return path.Base(path.Clean("/" + name)), true
}

// Exists reports whether a "/uploads/..." URL still has a file behind it.
// URLs this store did not issue are assumed to exist.
func (l *Local) Exists(_ context.Context, url string) bool {
	name, ok := l.localName(url)
	if !ok {
		return true
	}
	_, err := os.Stat(filepath.Join(l.dir, name))
	return err == nil
}

// Handler serves stored files under URLPrefix with a week-long cache.
func (l *Local) Handler() http.Handler {
	files := http.StripPrefix(URLPrefix, http.FileServer(http.Dir(l.dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=604800")
		files.ServeHTTP(w, r)
	})
}
