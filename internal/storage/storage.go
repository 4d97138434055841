// Package storage persists photographic evidence and returns URLs clients can
// later fetch it from.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/rs/xid"
)

// Store saves one blob under a fresh name beginning with prefix and returns a
// stable URL for it. Relative URLs ("/uploads/...") are resolved against the
// server's own origin by the caller.
type Store interface {
	Save(ctx context.Context, prefix string, r io.Reader, contentType string) (url string, err error)
}

// ExistenceChecker is implemented by stores that can cheaply tell whether a
// URL they issued still resolves. Stores that cannot are assumed to keep
// everything.
type ExistenceChecker interface {
	Exists(ctx context.Context, url string) bool
}

// Remover is implemented by stores that can delete a blob they issued.
// Removing a URL the store did not issue is a no-op.
type Remover interface {
	Remove(ctx context.Context, url string) error
}

// Evidence prefixes, one per kind of upload.
const (
	PrefixIncidentBefore = "incident-before"
	PrefixIncidentAfter  = "incident-after"
	PrefixProfile        = "profile"
)

// objectName builds "<prefix>-<xid><ext>". xids sort by creation time, which
// keeps listings in upload order.
func objectName(prefix, contentType string) string {
	return prefix + "-" + xid.New().String() + extension(contentType)
}

func extension(contentType string) string {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(ct) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// AbsoluteURL resolves a relative evidence reference against base
// ("https://host"). Absolute http(s) URLs and empty refs pass through.
func AbsoluteURL(base, ref string) string {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return strings.TrimRight(base, "/") + ref
}
