// Package fetch reads catalog releases: the manifest that lists a release's
// units, and byte ranges of the units themselves.
package fetch

import (
	"context"
	"errors"
)

// ManifestName is the manifest's file name within a release location.
const ManifestName = "manifest.tsv"

// ErrRangeNotSatisfiable is returned when offset is at or past the end of a
// unit.
var ErrRangeNotSatisfiable = errors.New("fetch: requested range not satisfiable")

// Source is anything that can list a release and serve byte ranges of its
// units. FetchRange may return fewer than length bytes only at the end of a
// unit.
type Source interface {
	ListManifest(ctx context.Context) (Manifest, error)
	FetchRange(ctx context.Context, unitID string, offset, length int64) ([]byte, error)
}
