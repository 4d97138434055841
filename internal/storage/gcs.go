package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var (
	_ Store   = (*GCS)(nil)
	_ Remover = (*GCS)(nil)
)

// GCS writes blobs to a Google Cloud Storage bucket. Objects are served
// straight from storage.googleapis.com, so the bucket must allow public reads
// (or sit behind a CDN that does).
type GCS struct {
	client  *gcs.Client
	bucket  string
	baseURL string
}

// NewGCS connects to bucket. credentialsFile may be empty to use Application
// Default Credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("storage: GCS bucket name is required")
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: creating GCS client: %w", err)
	}
	return &GCS{
		client:  client,
		bucket:  bucket,
		baseURL: "https://storage.googleapis.com",
	}, nil
}

// Save uploads r as a new object and returns its public URL.
func (g *GCS) Save(ctx context.Context, prefix string, r io.Reader, contentType string) (string, error) {
	name := objectName(prefix, contentType)

	w := g.client.Bucket(g.bucket).Object(name).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if w.ContentType == "" {
		w.ContentType = "image/jpeg"
	}
	w.CacheControl = "public, max-age=604800"

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("storage: uploading gs://%s/%s: %w", g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalising gs://%s/%s: %w", g.bucket, name, err)
	}
	return g.objectURL(name), nil
}

// Remove deletes the object behind a URL returned by Save. Objects that are
// already gone are not an error.
func (g *GCS) Remove(ctx context.Context, url string) error {
	name, ok := strings.CutPrefix(url, g.objectURL(""))
	if !ok || name == "" {
		return nil
	}
	err := g.client.Bucket(g.bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: deleting gs://%s/%s: %w", g.bucket, name, err)
	}
	return nil
}

func (g *GCS) objectURL(name string) string {
	return fmt.Sprintf("%s/%s/%s", g.baseURL, g.bucket, name)
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
