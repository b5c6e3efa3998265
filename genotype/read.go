package genotype

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk"
)

// ReadRaw loads a consumer raw-data export (23andMe style: rsid, chromosome,
// position, genotype; or AncestryDNA style: rsid, chromosome, position,
// allele1, allele2). Compressed files are detected automatically.
func ReadRaw(path string) (*Index, error) {
	return ReadRawFromGoogleStorage(context.Background(), path, nil)
}

// ReadRawFromGoogleStorage is ReadRaw for paths that may be gs:// objects,
// which are read with client.
func ReadRawFromGoogleStorage(ctx context.Context, path string, client *storage.Client) (*Index, error) {
	rc, err := polyrisk.MaybeOpenFromGoogleStorage(ctx, path, client)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	calls, err := ParseRaw(rc)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return New(calls), nil
}

// ParseRaw reads raw-data rows from r into an rsid -> genotype map. Lines
// starting with '#' and a leading header row are skipped.
func ParseRaw(r io.Reader) (map[string]string, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	cr := csv.NewReader(br)
	cr.Comma = polyrisk.PeekDelimiter(br, '#')
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	out := make(map[string]string)
	for line := 0; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, pfx.Err(err)
		}

		if len(row) < 4 {
			continue
		}

		rsid := strings.TrimSpace(row[0])
		if strings.EqualFold(rsid, "rsid") {
			// Header
			continue
		}

		gt := strings.TrimSpace(row[3])
		if len(row) >= 5 && len(gt) == 1 {
			gt += strings.TrimSpace(row[4])
		}

		out[rsid] = gt
	}

	return out, nil
}
