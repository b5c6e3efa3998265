package versionmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/fetch"
	"go.uber.org/zap"
)

// ResumeMismatchError reports a partially fetched unit whose length on disk
// disagrees with the offset recorded in progress.json. Such a unit is
// discarded and fetched from the start.
type ResumeMismatchError struct {
	UnitID   string
	Recorded int64
	OnDisk   int64
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("versionmgr: unit %s has %d bytes on disk but %d were recorded", e.UnitID, e.OnDisk, e.Recorded)
}

func checkResume(unitID string, recorded, onDisk int64) error {
	if recorded != onDisk {
		return &ResumeMismatchError{UnitID: unitID, Recorded: recorded, OnDisk: onDisk}
	}
	return nil
}

type unitProgress struct {
	Offset   int64 `json:"offset"`
	Complete bool  `json:"complete"`
}

type stageProgress struct {
	Version  string                   `json:"version"`
	Checksum string                   `json:"manifest_checksum"`
	Units    map[string]*unitProgress `json:"units"`
}

// Staged is a release that has been fetched and ingested but not activated.
type Staged struct {
	Version  string
	Dir      string
	Manifest fetch.Manifest
	Summary  catalog.FinalizeSummary

	// Refetched lists units that were discarded on resume and fetched again.
	Refetched []string

	// SkippedRows counts scoring-file rows that could not be parsed.
	SkippedRows int

	fetched map[string]bool
}

func (s *Staged) CatalogPath() string {
	return filepath.Join(s.Dir, imageName)
}

func (s *Staged) UnitPath(unitID string) string {
	return filepath.Join(s.Dir, unitsDir, unitID)
}

func (s *Staged) progressPath() string {
	return filepath.Join(s.Dir, progressName)
}

// FetchAndStage downloads every unit of manifest into the staging area and
// ingests them into a new catalog image. It resumes from whatever an
// earlier, interrupted call left behind for the same release.
func (m *Manager) FetchAndStage(ctx context.Context, manifest fetch.Manifest) (*Staged, error) {
	if m.cfg.Source == nil {
		return nil, ErrNoSource
	}
	if err := manifest.Validate(); err != nil {
		return nil, pfx.Err(err)
	}

	st := &Staged{
		Version:  manifest.Version,
		Dir:      m.stagingDir(manifest.Version),
		Manifest: manifest,
		fetched:  make(map[string]bool),
	}
	log := m.log.With(zap.String("version", st.Version))

	progress, err := m.loadProgress(st)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(st.Dir, unitsDir), 0755); err != nil {
		return nil, pfx.Err(err)
	}

	// Whatever was validated before is about to change
	if err := os.Remove(filepath.Join(st.Dir, validName)); err != nil && !os.IsNotExist(err) {
		return nil, pfx.Err(err)
	}

	var mb bytes.Buffer
	if err := fetch.WriteManifest(&mb, manifest); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(st.Dir, fetch.ManifestName), mb.Bytes()); err != nil {
		return nil, err
	}

	started := time.Now()
	for _, u := range manifest.Units {
		if err := m.stageUnit(ctx, st, u, progress); err != nil {
			return nil, err
		}
	}
	log.Info("Fetched release", zap.Int("units", len(manifest.Units)), zap.Int64("bytes", manifest.TotalSize()),
		zap.Strings("refetched", st.Refetched), zap.Duration("elapsed", time.Since(started)))

	if err := m.ingest(ctx, st); err != nil {
		return nil, err
	}

	return st, nil
}

// Staged reloads a release previously staged by FetchAndStage.
func (m *Manager) Staged(version string) (*Staged, error) {
	if err := fetch.ValidVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}

	st := &Staged{
		Version: version,
		Dir:     m.stagingDir(version),
		fetched: make(map[string]bool),
	}

	f, err := os.Open(filepath.Join(st.Dir, fetch.ManifestName))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	st.Manifest, err = fetch.ParseManifest(f)
	if err != nil {
		return nil, err
	}
	if st.Manifest.Version != version {
		return nil, fmt.Errorf("staged manifest is for version %q, not %q", st.Manifest.Version, version)
	}

	return st, nil
}

// loadProgress returns the recorded progress for st. Progress recorded for a
// different release under the same version id is discarded together with
// everything staged for it.
func (m *Manager) loadProgress(st *Staged) (*stageProgress, error) {
	fresh := &stageProgress{
		Version:  st.Manifest.Version,
		Checksum: st.Manifest.Checksum(),
		Units:    make(map[string]*unitProgress),
	}

	b, err := os.ReadFile(st.progressPath())
	if os.IsNotExist(err) {
		return fresh, nil
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	var p stageProgress
	if err := json.Unmarshal(b, &p); err != nil || p.Version != fresh.Version || p.Checksum != fresh.Checksum {
		m.log.Warn("Discarding staged data for a different release", zap.String("version", fresh.Version),
			zap.String("recorded_checksum", p.Checksum), zap.String("manifest_checksum", fresh.Checksum))
		if err := os.RemoveAll(st.Dir); err != nil {
			return nil, pfx.Err(err)
		}
		return fresh, nil
	}

	if p.Units == nil {
		p.Units = make(map[string]*unitProgress)
	}

	return &p, nil
}

func (m *Manager) saveProgress(st *Staged, p *stageProgress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return writeFileAtomic(st.progressPath(), b)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, pfx.Err(err)
	}
	return fi.Size(), nil
}

// discard removes a unit's bytes so that it is fetched from the start.
func (m *Manager) discard(st *Staged, p *stageProgress, unitID string) error {
	if err := os.Remove(st.UnitPath(unitID)); err != nil && !os.IsNotExist(err) {
		return pfx.Err(err)
	}
	p.Units[unitID] = &unitProgress{}
	st.Refetched = append(st.Refetched, unitID)

	return m.saveProgress(st, p)
}

func (m *Manager) stageUnit(ctx context.Context, st *Staged, u fetch.Unit, progress *stageProgress) error {
	log := m.log.With(zap.String("version", st.Version), zap.String("unit", u.ID))

	up, ok := progress.Units[u.ID]
	if !ok {
		up = &unitProgress{}
		progress.Units[u.ID] = up
	}

	path := st.UnitPath(u.ID)
	onDisk, err := fileSize(path)
	if err != nil {
		return err
	}

	var mismatch *ResumeMismatchError
	if err := checkResume(u.ID, up.Offset, onDisk); errors.As(err, &mismatch) {
		log.Warn("Discarding partially fetched unit", zap.Error(err))
		if err := m.discard(st, progress, u.ID); err != nil {
			return err
		}
		up = progress.Units[u.ID]
	}

	if up.Complete {
		sum, err := fetch.ChecksumFile(path)
		if err == nil && sum == u.Checksum {
			return nil
		}
		log.Warn("Previously fetched unit failed its checksum", zap.String("checksum", sum), zap.String("expected", u.Checksum), zap.Error(err))
		if err := m.discard(st, progress, u.ID); err != nil {
			return err
		}
		up = progress.Units[u.ID]
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	for up.Offset < u.Size {
		length := m.cfg.ChunkSize
		if remaining := u.Size - up.Offset; remaining < length {
			length = remaining
		}

		chunk, err := m.fetchChunk(ctx, u.ID, up.Offset, length)
		if errors.Is(err, fetch.ErrRangeNotSatisfiable) {
			return fmt.Errorf("%w: unit %s ended at %d of %d bytes", ErrIntegrity, u.ID, up.Offset, u.Size)
		} else if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return fmt.Errorf("%w: unit %s ended at %d of %d bytes", ErrIntegrity, u.ID, up.Offset, u.Size)
		}
		if int64(len(chunk)) > length {
			chunk = chunk[:length]
		}

		if _, err := f.WriteAt(chunk, up.Offset); err != nil {
			return pfx.Err(err)
		}
		if err := f.Sync(); err != nil {
			return pfx.Err(err)
		}

		up.Offset += int64(len(chunk))
		st.fetched[u.ID] = true

		if err := m.saveProgress(st, progress); err != nil {
			return err
		}
	}

	// Anything past the declared size is stale
	if err := f.Truncate(u.Size); err != nil {
		return pfx.Err(err)
	}

	up.Complete = true
	st.fetched[u.ID] = true

	return m.saveProgress(st, progress)
}

// fetchChunk requests one range, retrying transient failures. Every attempt
// has its own FetchTimeout.
func (m *Manager) fetchChunk(ctx context.Context, unitID string, offset, length int64) (chunk []byte, err error) {
	for attempts, maxAttempts := 1, m.cfg.FetchAttempts; attempts <= maxAttempts; attempts++ {
		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		chunk, err = m.cfg.Source.FetchRange(reqCtx, unitID, offset, length)
		cancel()

		if err == nil {
			return chunk, nil
		}
		if errors.Is(err, fetch.ErrRangeNotSatisfiable) || ctx.Err() != nil || attempts == maxAttempts {
			// Ongoing failure at maxAttempts is a terminal error
			return nil, err
		}

		m.log.Warn("Fetch failed, retrying", zap.String("unit", unitID), zap.Int64("offset", offset),
			zap.Int("attempt", attempts), zap.Duration("delay", m.cfg.RetryDelay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.RetryDelay):
		}
	}

	return chunk, err
}
