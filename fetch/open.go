package fetch

import (
	"context"
	"strings"
	"time"
)

// Open returns the Source for a release location: a gs:// bucket path, an
// http(s) URL, or a directory. The returned function releases the source's
// resources.
func Open(ctx context.Context, location string, timeout time.Duration) (Source, func() error, error) {
	nop := func() error { return nil }

	switch {
	case strings.HasPrefix(location, "gs://"):
		g, err := NewGCSSource(ctx, location)
		if err != nil {
			return nil, nop, err
		}
		return g, g.Close, nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTPSource(location, timeout), nop, nil
	}

	return NewDirSource(location), nop, nil
}
