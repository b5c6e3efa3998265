package fetch

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk"
)

// DirSource serves a release laid out on a local or mounted filesystem: a
// manifest.tsv next to one file per unit id.
type DirSource struct {
	Root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{Root: polyrisk.ExpandHome(root)}
}

func (d *DirSource) ListManifest(ctx context.Context) (Manifest, error) {
	f, err := os.Open(filepath.Join(d.Root, ManifestName))
	if err != nil {
		return Manifest{}, pfx.Err(err)
	}
	defer f.Close()

	return ParseManifest(f)
}

func (d *DirSource) FetchRange(ctx context.Context, unitID string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(d.Root, filepath.Base(unitID)))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, pfx.Err(err)
	}
	if offset > fi.Size() || (offset == fi.Size() && fi.Size() > 0) {
		return nil, ErrRangeNotSatisfiable
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, pfx.Err(err)
	}

	return buf[:n], nil
}
