package versionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/fetch"
	"go.uber.org/zap"
)

// UpdateCheck compares the active version with what the source offers.
type UpdateCheck struct {
	Current   string
	Available bool
	Manifest  fetch.Manifest
}

// CheckForUpdate reads the source manifest. It changes nothing on disk.
func (m *Manager) CheckForUpdate(ctx context.Context) (UpdateCheck, error) {
	var check UpdateCheck

	if m.cfg.Source == nil {
		return check, ErrNoSource
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	manifest, err := m.cfg.Source.ListManifest(reqCtx)
	if err != nil {
		return check, err
	}
	if err := manifest.Validate(); err != nil {
		return check, pfx.Err(err)
	}
	check.Manifest = manifest

	active, err := m.Active()
	if errors.Is(err, ErrNoActiveVersion) {
		check.Available = true
		return check, nil
	} else if err != nil {
		return check, err
	}

	check.Current = active.ID
	check.Available = manifest.Version != active.ID || manifest.Checksum() != active.Checksum

	return check, nil
}

// UpdateResult reports what Update did. From equals To when no update was
// available.
type UpdateResult struct {
	From    string
	To      string
	Updated bool
	Version CatalogVersion
	Staged  *Staged
	Pruned  []string
}

// Update checks for a new release and, if there is one, stages, validates
// and activates it. On any failure the previously active version remains
// (or is made) active and a failed audit record is written. Only one Update
// may run at a time.
func (m *Manager) Update(ctx context.Context) (UpdateResult, error) {
	m.updateMu.Lock()
	if m.updating {
		m.updateMu.Unlock()
		return UpdateResult{}, ErrUpdateInProgress
	}
	m.updating = true
	m.updateMu.Unlock()

	defer func() {
		m.updateMu.Lock()
		m.updating = false
		m.updateMu.Unlock()
	}()

	check, err := m.CheckForUpdate(ctx)
	if err != nil {
		return UpdateResult{}, err
	}

	res := UpdateResult{From: check.Current, To: check.Current}
	if !check.Available {
		m.log.Info("Catalog is up to date", zap.String("version", check.Current))
		return res, nil
	}

	to := check.Manifest.Version
	m.record(res.From, to, OutcomeStarted, "")
	m.log.Info("Updating catalog", zap.String("from", res.From), zap.String("to", to), zap.Int64("bytes", check.Manifest.TotalSize()))

	// Validate and Activate write their own failed records
	fail := func(err error) (UpdateResult, error) {
		m.restore(res.From)
		m.log.Error("Catalog update failed", zap.String("from", res.From), zap.String("to", to), zap.Error(err))
		return res, err
	}

	st, err := m.FetchAndStage(ctx, check.Manifest)
	if err != nil {
		m.record(res.From, to, OutcomeFailed, err.Error())
		return fail(err)
	}
	res.Staged = st

	if err := m.Validate(ctx, st); err != nil {
		return fail(err)
	}

	v, err := m.Activate(ctx, st)
	if err != nil {
		return fail(err)
	}
	res.To, res.Updated, res.Version = v.ID, true, v

	res.Pruned, err = m.Prune()
	if err != nil {
		m.log.Warn("Could not prune old versions", zap.Error(err))
	}

	return res, nil
}

// restore puts CURRENT back to id after a failed update, if it moved.
func (m *Manager) restore(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.current()
	if err != nil || cur == id {
		return
	}

	if id == "" {
		if err := os.Remove(m.pointerPath()); err != nil && !os.IsNotExist(err) {
			m.log.Error("Could not clear pointer", zap.Error(err))
		}
		return
	}

	if _, err := m.rollback(cur, id); err != nil {
		m.log.Error("Could not restore previous version", zap.String("version", id), zap.Error(err))
		return
	}
	m.record(cur, id, OutcomeRolledBack, "restored after failed update")
}

// StagedStatus describes a staging area.
type StagedStatus struct {
	Version      string `json:"version"`
	UnitsTotal   int    `json:"units_total"`
	UnitsFetched int    `json:"units_fetched"`
	BytesTotal   int64  `json:"bytes_total"`
	BytesFetched int64  `json:"bytes_fetched"`
	Validated    bool   `json:"validated"`
}

type Status struct {
	Active   *CatalogVersion  `json:"active"`
	Versions []CatalogVersion `json:"versions"`
	Backups  []CatalogVersion `json:"backups"`
	Staged   []StagedStatus   `json:"staged"`
	Updating bool             `json:"updating"`
}

// Status summarizes the active version, everything retained and any staged
// release.
func (m *Manager) Status() (Status, error) {
	var s Status

	m.updateMu.Lock()
	s.Updating = m.updating
	m.updateMu.Unlock()

	if active, err := m.Active(); err == nil {
		s.Active = &active
	} else if !errors.Is(err, ErrNoActiveVersion) {
		return s, err
	}

	var err error
	if s.Versions, err = m.Versions(); err != nil {
		return s, err
	}
	if s.Backups, err = m.Backups(); err != nil {
		return s, err
	}

	entries, err := os.ReadDir(filepath.Join(m.cfg.Root, stagingDir))
	if err != nil {
		return s, pfx.Err(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := m.Staged(e.Name())
		if err != nil {
			continue
		}
		s.Staged = append(s.Staged, stagedStatus(st))
	}
	sort.Slice(s.Staged, func(i, j int) bool { return s.Staged[i].Version < s.Staged[j].Version })

	return s, nil
}

func stagedStatus(st *Staged) StagedStatus {
	ss := StagedStatus{
		Version:    st.Version,
		UnitsTotal: len(st.Manifest.Units),
		BytesTotal: st.Manifest.TotalSize(),
		Validated:  exists(filepath.Join(st.Dir, validName)),
	}

	var p stageProgress
	if b, err := os.ReadFile(st.progressPath()); err == nil && json.Unmarshal(b, &p) == nil {
		for _, u := range st.Manifest.Units {
			up, ok := p.Units[u.ID]
			if !ok {
				continue
			}
			ss.BytesFetched += up.Offset
			if up.Complete {
				ss.UnitsFetched++
			}
		}
	}

	return ss
}
