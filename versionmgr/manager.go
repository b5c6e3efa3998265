// Package versionmgr keeps versioned catalog images on disk. A new release is
// fetched into a staging area, ingested, validated and then activated by
// swapping a single pointer file, so readers only ever see one complete
// version.
//
// On-disk layout below Root:
//
//	CURRENT                       id of the active version
//	versions/<id>/catalog.db      activated images
//	versions/<id>/version.json
//	backups/<id>/                 copies taken before each activation
//	staging/<id>/units/           fetched release units
//	staging/<id>/progress.json    byte offset per unit
//	staging/<id>/manifest.tsv
//	staging/<id>/catalog.db       image being built
//	audit.log                     one JSON record per transition
package versionmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk"
	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/fetch"
	"go.uber.org/zap"
)

const (
	pointerName  = "CURRENT"
	versionsDir  = "versions"
	backupsDir   = "backups"
	stagingDir   = "staging"
	auditName    = "audit.log"
	imageName    = "catalog.db"
	versionName  = "version.json"
	progressName = "progress.json"
	unitsDir     = "units"
	validName    = "validated.json"
)

var (
	ErrIntegrity        = errors.New("versionmgr: integrity check failed")
	ErrNoActiveVersion  = errors.New("versionmgr: no active catalog version")
	ErrUnknownVersion   = errors.New("versionmgr: version is not retained")
	ErrNotValidated     = errors.New("versionmgr: staged version has not been validated")
	ErrUpdateInProgress = errors.New("versionmgr: an update is already in progress")
	ErrNoSource         = errors.New("versionmgr: no catalog source configured")
)

type Config struct {
	// Root holds every version, backup and staging area.
	Root string

	// Source serves releases. Only needed to check for and fetch updates.
	Source fetch.Source

	// ChunkSize is the number of bytes requested per ranged fetch.
	ChunkSize int64

	// FetchTimeout bounds each individual request to Source.
	FetchTimeout time.Duration

	// FetchAttempts is how many times a failed chunk is requested before
	// the fetch gives up.
	FetchAttempts int

	// RetryDelay is the pause between attempts. Negative means none.
	RetryDelay time.Duration

	// Retain is the number of versions and backups kept besides the active
	// one.
	Retain int

	// MaxVariantsPerScore drops scores with more weights than this.
	MaxVariantsPerScore int

	// Actor is recorded in every audit record.
	Actor string

	Logger  *zap.Logger
	Metrics *Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4 << 20
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 5
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Retain <= 0 {
		c.Retain = 3
	}
	if c.MaxVariantsPerScore <= 0 {
		c.MaxVariantsPerScore = 100000
	}
	if c.Actor == "" {
		c.Actor = "polyrisk"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CatalogVersion describes one activated (or retained) catalog image.
type CatalogVersion struct {
	ID string `json:"id"`

	// Checksum is the aggregate checksum of the release units the image was
	// built from.
	Checksum string `json:"checksum"`

	// ImageChecksum is the checksum of catalog.db itself.
	ImageChecksum string `json:"image_checksum"`

	CreatedAt   time.Time `json:"created_at"`
	Released    time.Time `json:"released,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`

	Scores   int `json:"scores"`
	Variants int `json:"variants"`

	Active     bool   `json:"-"`
	BackupPath string `json:"-"`
}

// Manager owns the directory tree below Config.Root. One Manager should be
// used per root.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	audit *auditLog

	// mu serializes changes to CURRENT and to the version and backup
	// directories.
	mu sync.Mutex

	updateMu sync.Mutex
	updating bool
}

// Open prepares the directory tree below cfg.Root and recovers from any
// interrupted activation.
func Open(cfg Config) (*Manager, error) {
	cfg.setDefaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("versionmgr: no root directory")
	}
	cfg.Root = polyrisk.ExpandHome(cfg.Root)

	for _, dir := range []string{cfg.Root, filepath.Join(cfg.Root, versionsDir), filepath.Join(cfg.Root, backupsDir), filepath.Join(cfg.Root, stagingDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, pfx.Err(err)
		}
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Logger.With(zap.String("root", cfg.Root)),
		audit: &auditLog{path: filepath.Join(cfg.Root, auditName)},
	}

	if err := m.Recover(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) Root() string {
	return m.cfg.Root
}

func (m *Manager) versionDir(id string) string {
	return filepath.Join(m.cfg.Root, versionsDir, id)
}

func (m *Manager) backupDir(id string) string {
	return filepath.Join(m.cfg.Root, backupsDir, id)
}

func (m *Manager) stagingDir(id string) string {
	return filepath.Join(m.cfg.Root, stagingDir, id)
}

func (m *Manager) pointerPath() string {
	return filepath.Join(m.cfg.Root, pointerName)
}

// current reads CURRENT. An absent pointer is not an error.
func (m *Manager) current() (string, error) {
	b, err := os.ReadFile(m.pointerPath())
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", pfx.Err(err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (m *Manager) setCurrent(id string) error {
	return writeFileAtomic(m.pointerPath(), []byte(id+"\n"))
}

func readVersion(dir string) (CatalogVersion, error) {
	var v CatalogVersion

	b, err := os.ReadFile(filepath.Join(dir, versionName))
	if err != nil {
		return v, pfx.Err(err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, pfx.Err(fmt.Errorf("%s: %w", dir, err))
	}

	return v, nil
}

func writeVersion(dir string, v CatalogVersion) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, versionName), b)
}

// complete reports whether dir holds an image matching its version.json.
func complete(dir string) (CatalogVersion, error) {
	v, err := readVersion(dir)
	if err != nil {
		return v, err
	}

	sum, err := fetch.ChecksumFile(filepath.Join(dir, imageName))
	if err != nil {
		return v, err
	}
	if sum != v.ImageChecksum {
		return v, fmt.Errorf("%w: %s image checksum %s, expected %s", ErrIntegrity, dir, sum, v.ImageChecksum)
	}

	return v, nil
}

// Active returns the version CURRENT points at.
func (m *Manager) Active() (CatalogVersion, error) {
	id, err := m.current()
	if err != nil {
		return CatalogVersion{}, err
	}
	if id == "" {
		return CatalogVersion{}, ErrNoActiveVersion
	}
	if err := fetch.ValidVersion(id); err != nil {
		return CatalogVersion{}, fmt.Errorf("%w: %s: %v", ErrIntegrity, pointerName, err)
	}

	v, err := readVersion(m.versionDir(id))
	if err != nil {
		return v, err
	}
	v.Active = true

	return v, nil
}

// OpenActive resolves CURRENT once and opens that version's image. The
// returned store keeps working even if another version is activated or the
// directory is pruned while it is open.
func (m *Manager) OpenActive() (*catalog.Store, CatalogVersion, error) {
	v, err := m.Active()
	if err != nil {
		return nil, v, err
	}

	store, err := catalog.Open(filepath.Join(m.versionDir(v.ID), imageName))
	if err != nil {
		return nil, v, err
	}

	return store, v, nil
}

// OpenActiveReadOnly opens the active image below root without creating,
// recovering or cleaning up anything there. It suits processes that only
// read the catalog and may run next to one that is activating a version.
func OpenActiveReadOnly(root string) (*catalog.Store, CatalogVersion, error) {
	if root == "" {
		return nil, CatalogVersion{}, fmt.Errorf("versionmgr: no root directory")
	}

	m := &Manager{cfg: Config{Root: polyrisk.ExpandHome(root)}, log: zap.NewNop()}
	return m.OpenActive()
}

// Versions lists the retained versions, newest first.
func (m *Manager) Versions() ([]CatalogVersion, error) {
	active, err := m.current()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(m.cfg.Root, versionsDir))
	if err != nil {
		return nil, pfx.Err(err)
	}

	out := make([]CatalogVersion, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		v, err := readVersion(m.versionDir(e.Name()))
		if err != nil {
			m.log.Warn("Skipping unreadable version", zap.String("version", e.Name()), zap.Error(err))
			continue
		}
		v.Active = v.ID == active
		if exists(m.backupDir(v.ID)) {
			v.BackupPath = m.backupDir(v.ID)
		}
		out = append(out, v)
	}

	sortNewestFirst(out)

	return out, nil
}

// Backups lists the versions held in backups/, newest first.
func (m *Manager) Backups() ([]CatalogVersion, error) {
	entries, err := os.ReadDir(filepath.Join(m.cfg.Root, backupsDir))
	if err != nil {
		return nil, pfx.Err(err)
	}

	out := make([]CatalogVersion, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		v, err := readVersion(m.backupDir(e.Name()))
		if err != nil {
			continue
		}
		v.BackupPath = m.backupDir(e.Name())
		out = append(out, v)
	}

	sortNewestFirst(out)

	return out, nil
}

func sortNewestFirst(vs []CatalogVersion) {
	sort.SliceStable(vs, func(i, j int) bool {
		ti, tj := vs[i].ActivatedAt, vs[j].ActivatedAt
		if ti.Equal(tj) {
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		}
		return ti.After(tj)
	})
}
