package versionmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/fetch"
	"go.uber.org/zap"
)

// validation is written next to a staged image once it passes Validate.
type validation struct {
	Checksum      string `json:"checksum"`
	ImageChecksum string `json:"image_checksum"`
	Scores        int    `json:"scores"`
	Variants      int    `json:"variants"`
}

// Validate recomputes the checksum of every staged unit and the aggregate
// checksum of the release, then checks the staged image's internal
// consistency. Any mismatch is reported as ErrIntegrity, and units that
// failed their checksum are discarded so that the next FetchAndStage fetches
// them again. A failure is written to the audit log.
func (m *Manager) Validate(ctx context.Context, st *Staged) error {
	err := m.validate(ctx, st)
	if err != nil {
		from, _ := m.current()
		m.record(from, st.Version, OutcomeFailed, err.Error())
	}
	return err
}

func (m *Manager) validate(ctx context.Context, st *Staged) error {
	log := m.log.With(zap.String("version", st.Version))

	if err := fetch.ValidVersion(st.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}

	if err := os.Remove(filepath.Join(st.Dir, validName)); err != nil && !os.IsNotExist(err) {
		return pfx.Err(err)
	}

	sums := make(map[string]string, len(st.Manifest.Units))
	var bad []string
	for _, u := range st.Manifest.Units {
		if err := ctx.Err(); err != nil {
			return err
		}

		sum, err := fetch.ChecksumFile(st.UnitPath(u.ID))
		if err != nil {
			return fmt.Errorf("%w: unit %s: %v", ErrIntegrity, u.ID, err)
		}
		sums[u.ID] = sum
		if sum != u.Checksum {
			log.Warn("Unit checksum mismatch", zap.String("unit", u.ID), zap.String("checksum", sum), zap.String("expected", u.Checksum))
			bad = append(bad, u.ID)
		}
	}

	if len(bad) > 0 {
		sort.Strings(bad)
		if err := m.discardUnits(st, bad); err != nil {
			log.Error("Could not discard corrupt units", zap.Error(err))
		}
		return fmt.Errorf("%w: checksum mismatch for units %s", ErrIntegrity, strings.Join(bad, ", "))
	}

	aggregate := fetch.AggregateChecksum(sums)
	if aggregate != st.Manifest.Checksum() {
		return fmt.Errorf("%w: aggregate checksum %s, expected %s", ErrIntegrity, aggregate, st.Manifest.Checksum())
	}

	store, err := catalog.Open(st.CatalogPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	val, err := verifyImage(ctx, store, st.Version, aggregate)
	store.Close()
	if err != nil {
		return err
	}

	val.ImageChecksum, err = fetch.ChecksumFile(st.CatalogPath())
	if err != nil {
		return err
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(st.Dir, validName), b); err != nil {
		return err
	}

	log.Info("Validated staged catalog", zap.String("checksum", aggregate), zap.Int("scores", val.Scores), zap.Int("variants", val.Variants))

	return nil
}

func verifyImage(ctx context.Context, store *catalog.Store, version, aggregate string) (validation, error) {
	val := validation{Checksum: aggregate}

	if err := store.Verify(ctx); err != nil {
		return val, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	if v, err := store.Meta(ctx, catalog.MetaVersion); err != nil || v != version {
		return val, fmt.Errorf("%w: image records version %q, expected %q", ErrIntegrity, v, version)
	}
	if c, err := store.Meta(ctx, catalog.MetaChecksum); err != nil || c != aggregate {
		return val, fmt.Errorf("%w: image was built from release %q, expected %q", ErrIntegrity, c, aggregate)
	}

	scores, variants, err := store.Counts(ctx)
	if err != nil {
		return val, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	val.Scores, val.Variants = scores, variants

	return val, nil
}

func (m *Manager) discardUnits(st *Staged, ids []string) error {
	p, err := m.loadProgress(st)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.discard(st, p, id); err != nil {
			return err
		}
	}
	return nil
}

// validated returns the record written by a successful Validate, provided
// the staged image has not changed since.
func (m *Manager) validated(st *Staged) (validation, error) {
	var val validation

	b, err := os.ReadFile(filepath.Join(st.Dir, validName))
	if os.IsNotExist(err) {
		return val, ErrNotValidated
	} else if err != nil {
		return val, pfx.Err(err)
	}
	if err := json.Unmarshal(b, &val); err != nil {
		return val, ErrNotValidated
	}

	sum, err := fetch.ChecksumFile(st.CatalogPath())
	if err != nil {
		return val, err
	}
	if sum != val.ImageChecksum {
		return val, fmt.Errorf("%w: staged image changed after validation", ErrNotValidated)
	}

	return val, nil
}
