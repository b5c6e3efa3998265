package versionmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/fetch"
	"go.uber.org/zap"
)

// Activate makes a validated staged release the active version. The active
// image is first copied to backups/, the staged image is moved to versions/,
// and only then is CURRENT replaced. An interruption at any point leaves
// CURRENT naming a complete version. A failure is written to the audit log.
func (m *Manager) Activate(ctx context.Context, st *Staged) (CatalogVersion, error) {
	if err := ctx.Err(); err != nil {
		return CatalogVersion{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.current()
	if err != nil {
		return CatalogVersion{}, err
	}

	v, err := m.activate(st, from)
	if err != nil {
		m.record(from, st.Version, OutcomeFailed, err.Error())
		return CatalogVersion{}, err
	}

	m.log.Info("Activated catalog version", zap.String("from", from), zap.String("to", v.ID),
		zap.Int("scores", v.Scores), zap.Int("variants", v.Variants))
	m.record(from, v.ID, OutcomeActivated, "")

	return v, nil
}

func (m *Manager) activate(st *Staged, from string) (CatalogVersion, error) {
	if err := fetch.ValidVersion(st.Version); err != nil {
		return CatalogVersion{}, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}

	val, err := m.validated(st)
	if err != nil {
		return CatalogVersion{}, err
	}

	if from == st.Version {
		return CatalogVersion{}, fmt.Errorf("version %s is already active", st.Version)
	}

	if err := m.backupActive(from); err != nil {
		return CatalogVersion{}, err
	}

	v, err := m.installStaged(st, val)
	if err != nil {
		return CatalogVersion{}, err
	}

	if err := m.setCurrent(v.ID); err != nil {
		return CatalogVersion{}, err
	}
	v.Active = true

	if err := os.RemoveAll(st.Dir); err != nil {
		m.log.Warn("Could not remove staging area", zap.String("dir", st.Dir), zap.Error(err))
	}

	return v, nil
}

// backupActive copies the active version into backups/. Activated images are
// never modified, so an existing backup is kept as is.
func (m *Manager) backupActive(id string) error {
	if id == "" || exists(m.backupDir(id)) {
		return nil
	}
	return copyDirAtomic(m.versionDir(id), m.backupDir(id))
}

// installStaged moves the staged image into versions/<id>/ together with its
// version.json. The directory appears under its final name only once both
// files are in place.
func (m *Manager) installStaged(st *Staged, val validation) (CatalogVersion, error) {
	now := m.cfg.Now().UTC()
	v := CatalogVersion{
		ID:            st.Version,
		Checksum:      val.Checksum,
		ImageChecksum: val.ImageChecksum,
		CreatedAt:     now,
		Released:      st.Manifest.Released,
		ActivatedAt:   now,
		Scores:        val.Scores,
		Variants:      val.Variants,
	}

	dst := m.versionDir(v.ID)
	tmp := dst + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return v, pfx.Err(err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return v, pfx.Err(err)
	}

	if err := os.Rename(st.CatalogPath(), filepath.Join(tmp, imageName)); err != nil {
		return v, pfx.Err(err)
	}
	if err := writeVersion(tmp, v); err != nil {
		return v, err
	}
	if err := syncDir(tmp); err != nil {
		return v, err
	}

	// A retained, inactive copy of the same id is replaced
	if err := os.RemoveAll(dst); err != nil {
		return v, pfx.Err(err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return v, pfx.Err(err)
	}

	return v, syncDir(filepath.Dir(dst))
}

// Rollback points CURRENT at a retained version, restoring it from backups/
// if its version directory is gone or damaged. An empty id selects the most
// recently activated version other than the active one.
func (m *Manager) Rollback(ctx context.Context, id string) (CatalogVersion, error) {
	if err := ctx.Err(); err != nil {
		return CatalogVersion{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.current()
	if err != nil {
		return CatalogVersion{}, err
	}

	if id == "" {
		id, err = m.previous(from)
		if err != nil {
			return CatalogVersion{}, err
		}
	}

	v, err := m.rollback(from, id)
	if err != nil {
		m.record(from, id, OutcomeFailed, "rollback: "+err.Error())
		return v, err
	}

	m.record(from, id, OutcomeRolledBack, "")
	return v, nil
}

func (m *Manager) previous(active string) (string, error) {
	versions, err := m.Versions()
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.ID != active {
			return v.ID, nil
		}
	}

	backups, err := m.Backups()
	if err != nil {
		return "", err
	}
	for _, v := range backups {
		if v.ID != active {
			return v.ID, nil
		}
	}

	return "", fmt.Errorf("%w: no version to roll back to", ErrUnknownVersion)
}

func (m *Manager) rollback(from, id string) (CatalogVersion, error) {
	if err := fetch.ValidVersion(id); err != nil {
		return CatalogVersion{}, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}

	dir := m.versionDir(id)
	v, err := complete(dir)
	if err != nil {
		backup := m.backupDir(id)
		if _, berr := complete(backup); berr != nil {
			return v, fmt.Errorf("%w: %s", ErrUnknownVersion, id)
		}

		m.log.Info("Restoring version from backup", zap.String("version", id), zap.NamedError("version_error", err))
		if err := os.RemoveAll(dir); err != nil {
			return v, pfx.Err(err)
		}
		if err := copyDirAtomic(backup, dir); err != nil {
			return v, err
		}
		if v, err = readVersion(dir); err != nil {
			return v, err
		}
	}

	if id != from {
		if err := m.setCurrent(id); err != nil {
			return v, err
		}
		m.log.Info("Rolled back catalog version", zap.String("from", from), zap.String("to", id))
	}
	v.Active = true

	return v, nil
}

// Recover cleans up after an interrupted activation and makes sure CURRENT
// names a complete version. It is called by Open.
func (m *Manager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return pfx.Err(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), pointerName+".") && strings.HasSuffix(e.Name(), tmpSuffix) {
			m.log.Info("Removing stray pointer file", zap.String("file", e.Name()))
			if err := os.Remove(filepath.Join(m.cfg.Root, e.Name())); err != nil {
				return pfx.Err(err)
			}
		}
	}

	for _, parent := range []string{versionsDir, backupsDir} {
		dir := filepath.Join(m.cfg.Root, parent)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return pfx.Err(err)
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), tmpSuffix) {
				m.log.Info("Removing incomplete directory", zap.String("dir", filepath.Join(parent, e.Name())))
				if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
					return pfx.Err(err)
				}
			}
		}
	}

	id, err := m.current()
	if err != nil || id == "" {
		return err
	}

	_, err = complete(m.versionDir(id))
	if err == nil {
		// Activation finished swapping the pointer but not cleaning up
		if exists(m.stagingDir(id)) {
			if err := os.RemoveAll(m.stagingDir(id)); err != nil {
				return pfx.Err(err)
			}
		}
		return nil
	}
	m.log.Error("Active version is incomplete", zap.String("version", id), zap.Error(err))

	if _, err := complete(m.backupDir(id)); err == nil {
		if _, err := m.rollback(id, id); err != nil {
			return err
		}
		m.record(id, id, OutcomeRecovered, "restored from backup")
		return nil
	}

	versions, err := m.Versions()
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.ID == id {
			continue
		}
		if _, err := complete(m.versionDir(v.ID)); err != nil {
			continue
		}
		if err := m.setCurrent(v.ID); err != nil {
			return err
		}
		m.record(id, v.ID, OutcomeRecovered, "active version was incomplete")
		return nil
	}

	return fmt.Errorf("%w: active version %s is incomplete and nothing can replace it", ErrIntegrity, id)
}

// Prune removes all but the Retain most recently activated inactive versions
// and all but the Retain newest backups. The active version is never
// removed. It returns what was removed.
func (m *Manager) Prune() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.current()
	if err != nil {
		return nil, err
	}

	var removed []string

	versions, err := m.Versions()
	if err != nil {
		return nil, err
	}
	kept := 0
	for _, v := range versions {
		if v.ID == active {
			continue
		}
		if kept < m.cfg.Retain {
			kept++
			continue
		}
		if err := os.RemoveAll(m.versionDir(v.ID)); err != nil {
			return removed, pfx.Err(err)
		}
		removed = append(removed, filepath.Join(versionsDir, v.ID))
	}

	backups, err := m.Backups()
	if err != nil {
		return removed, err
	}
	for i, v := range backups {
		if i < m.cfg.Retain {
			continue
		}
		if err := os.RemoveAll(m.backupDir(v.ID)); err != nil {
			return removed, pfx.Err(err)
		}
		removed = append(removed, filepath.Join(backupsDir, v.ID))
	}

	if len(removed) > 0 {
		m.log.Info("Pruned catalog versions", zap.Strings("removed", removed))
		m.record(active, active, OutcomePruned, strings.Join(removed, ", "))
	}

	return removed, nil
}
