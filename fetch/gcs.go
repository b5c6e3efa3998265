package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSSource reads a release stored under a gs://bucket/prefix location.
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource opens a storage client for a gs:// location. Options are
// passed to storage.NewClient, e.g. option.WithoutAuthentication() for
// public buckets.
func NewGCSSource(ctx context.Context, location string, opts ...option.ClientOption) (*GCSSource, error) {
	if !strings.HasPrefix(location, "gs://") {
		return nil, fmt.Errorf("%s is not a gs:// location", location)
	}

	// Detect the bucket and the prefix within it
	pathParts := strings.SplitN(strings.TrimPrefix(location, "gs://"), "/", 2)
	bucket := pathParts[0]
	prefix := ""
	if len(pathParts) == 2 {
		prefix = strings.Trim(pathParts[1], "/")
	}
	if bucket == "" {
		return nil, fmt.Errorf("%s names no bucket", location)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, pfx.Err(err)
	}

	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSSource) Close() error {
	return g.client.Close()
}

func (g *GCSSource) object(name string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(path.Join(g.prefix, name))
}

func (g *GCSSource) ListManifest(ctx context.Context) (Manifest, error) {
	rdr, err := g.object(ManifestName).NewReader(ctx)
	if err != nil {
		return Manifest{}, pfx.Err(fmt.Errorf("gs://%s/%s: %w", g.bucket, path.Join(g.prefix, ManifestName), err))
	}
	defer rdr.Close()

	return ParseManifest(rdr)
}

func (g *GCSSource) FetchRange(ctx context.Context, unitID string, offset, length int64) ([]byte, error) {
	rdr, err := g.object(unitID).NewRangeReader(ctx, offset, length)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusRequestedRangeNotSatisfiable {
			return nil, ErrRangeNotSatisfiable
		}
		return nil, pfx.Err(err)
	}
	defer rdr.Close()

	body, err := io.ReadAll(rdr)
	if err != nil {
		return nil, pfx.Err(err)
	}

	return body, nil
}
