package fetch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// Unit kinds.
const (
	KindScores        = "scores"
	KindWeights       = "weights"
	KindDistributions = "distributions"
	KindReference     = "reference"
)

// Unit is one downloadable file of a catalog release.
type Unit struct {
	ID       string `csv:"id"`
	Checksum string `csv:"checksum"`
	Size     int64  `csv:"size"`
	Kind     string `csv:"kind"`

	// ScoreID names the score a weights or reference unit belongs to.
	ScoreID string `csv:"score_id"`

	// Layout is the scoring-file layout of a weights unit. Empty means
	// PGSCATALOG.
	Layout string `csv:"layout"`

	// Population labels a reference unit.
	Population string `csv:"population"`
}

// Manifest describes one complete catalog release. It is a tab-delimited
// file with one Unit per row, preceded by "#version=" and "#released="
// comment lines.
type Manifest struct {
	Version  string
	Released time.Time
	Units    []Unit
}

// Checksum is the aggregate checksum over all units.
func (m Manifest) Checksum() string {
	sums := make(map[string]string, len(m.Units))
	for _, u := range m.Units {
		sums[u.ID] = u.Checksum
	}
	return AggregateChecksum(sums)
}

// TotalSize is the number of bytes to download.
func (m Manifest) TotalSize() int64 {
	var n int64
	for _, u := range m.Units {
		n += u.Size
	}
	return n
}

func (m Manifest) Unit(id string) (Unit, bool) {
	for _, u := range m.Units {
		if u.ID == id {
			return u, true
		}
	}
	return Unit{}, false
}

// ValidVersion reports whether id can name a release. The id becomes a
// directory name under the data root, so it must be a single path element
// and must not collide with the ".tmp" names used while installing.
func ValidVersion(id string) error {
	if id == "" {
		return errors.New("release version is empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasSuffix(id, ".tmp") {
		return fmt.Errorf("invalid release version %q", id)
	}
	return nil
}

// Validate checks that the manifest is usable before anything is fetched.
func (m Manifest) Validate() error {
	if err := ValidVersion(m.Version); err != nil {
		return err
	}
	if len(m.Units) == 0 {
		return errors.New("manifest lists no units")
	}

	seen := make(map[string]struct{}, len(m.Units))
	for _, u := range m.Units {
		if u.ID == "" || strings.ContainsAny(u.ID, `/\`) || u.ID == "." || u.ID == ".." {
			return fmt.Errorf("invalid unit id %q", u.ID)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("duplicate unit id %q", u.ID)
		}
		seen[u.ID] = struct{}{}

		if u.Size < 0 {
			return fmt.Errorf("unit %s has negative size", u.ID)
		}
		if len(u.Checksum) != 64 {
			return fmt.Errorf("unit %s has a malformed checksum", u.ID)
		}

		switch u.Kind {
		case KindScores, KindDistributions:
		case KindWeights, KindReference:
			if u.ScoreID == "" {
				return fmt.Errorf("%s unit %s does not name a score", u.Kind, u.ID)
			}
		default:
			return fmt.Errorf("unit %s has unknown kind %q", u.ID, u.Kind)
		}
	}

	return nil
}

func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest

	body, err := io.ReadAll(r)
	if err != nil {
		return m, pfx.Err(err)
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(strings.TrimLeft(line, "#"), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "version":
			m.Version = strings.TrimSpace(kv[1])
		case "released":
			released, err := dateparse.ParseIn(strings.TrimSpace(kv[1]), time.UTC)
			if err != nil {
				return m, pfx.Err(fmt.Errorf("manifest release date: %w", err))
			}
			m.Released = released.UTC()
		}
	}

	cr := csv.NewReader(bytes.NewReader(body))
	cr.Comma = '\t'
	cr.Comment = '#'

	if err := gocsv.UnmarshalCSV(cr, &m.Units); err != nil {
		return m, pfx.Err(err)
	}

	for i := range m.Units {
		m.Units[i].Checksum = strings.ToLower(strings.TrimSpace(m.Units[i].Checksum))
	}

	return m, nil
}

// WriteManifest writes m in the format ParseManifest reads.
func WriteManifest(w io.Writer, m Manifest) error {
	fmt.Fprintf(w, "#version=%s\n", m.Version)
	if !m.Released.IsZero() {
		fmt.Fprintf(w, "#released=%s\n", m.Released.UTC().Format(time.RFC3339))
	}

	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := gocsv.MarshalCSV(m.Units, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return pfx.Err(err)
	}
	cw.Flush()

	if err := cw.Error(); err != nil {
		return pfx.Err(err)
	}
	return nil
}
