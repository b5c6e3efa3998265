package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("catalog: score not found")

// Store is a read-only handle on one catalog image. A Store never observes a
// version swap: whoever opened it keeps reading the same file until Close.
type Store struct {
	db      *sqlx.DB
	path    string
	version string
}

// Open connects read-only to the catalog image at path.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, pfx.Err(err)
	}

	db, err := sqlx.Connect("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, pfx.Err(err)
	}

	s := &Store{db: db, path: path}
	if v, err := s.Meta(context.Background(), MetaVersion); err == nil {
		s.version = v
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// Version is the catalog version id recorded in the image, if any.
func (s *Store) Version() string {
	return s.version
}

func (s *Store) ListScores(ctx context.Context) ([]ScoreDefinition, error) {
	out := []ScoreDefinition{}
	if err := s.db.SelectContext(ctx, &out, `SELECT `+scoreColumns+` FROM scores ORDER BY score_id`); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

func (s *Store) Score(ctx context.Context, scoreID string) (ScoreDefinition, error) {
	var out ScoreDefinition
	err := s.db.GetContext(ctx, &out, `SELECT `+scoreColumns+` FROM scores WHERE score_id = ?`, scoreID)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("%w: %s", ErrNotFound, scoreID)
	} else if err != nil {
		return out, pfx.Err(err)
	}
	return out, nil
}

func (s *Store) Variants(ctx context.Context, scoreID string) ([]VariantWeight, error) {
	out := []VariantWeight{}
	err := s.db.SelectContext(ctx, &out, `SELECT score_id, rsid, chromosome, position, effect_allele, other_allele, weight, eaf
FROM variant_weights WHERE score_id = ? ORDER BY rowid`, scoreID)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

// Distribution returns the stored reference distribution for scoreID, or nil
// when none was ingested. When several populations exist the first one in
// population order is returned.
func (s *Store) Distribution(ctx context.Context, scoreID string) (*PopulationDistribution, error) {
	dists, err := s.Distributions(ctx, scoreID)
	if err != nil {
		return nil, err
	}
	if len(dists) == 0 {
		return nil, nil
	}
	return &dists[0], nil
}

func (s *Store) Distributions(ctx context.Context, scoreID string) ([]PopulationDistribution, error) {
	out := []PopulationDistribution{}
	err := s.db.SelectContext(ctx, &out, `SELECT score_id, population, mean, std, percentiles
FROM distributions WHERE score_id = ? ORDER BY population`, scoreID)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

// Query filters definitions. Empty fields match everything.
type Query struct {
	// Trait is matched as a case-insensitive substring of the trait name or
	// the score id.
	Trait    string
	Category Category
	Limit    int
}

func (s *Store) Search(ctx context.Context, q Query) ([]ScoreDefinition, error) {
	var (
		where []string
		args  []interface{}
	)

	if q.Trait != "" {
		where = append(where, `(trait LIKE ? ESCAPE '\' OR score_id LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(q.Trait) + "%"
		args = append(args, pattern, pattern)
	}
	if q.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, string(q.Category))
	}

	query := `SELECT ` + scoreColumns + ` FROM scores`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY trait, score_id`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	out := []ScoreDefinition{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

// Counts returns the number of score definitions and variant weights.
func (s *Store) Counts(ctx context.Context) (scores, variants int, err error) {
	if err = s.db.GetContext(ctx, &scores, `SELECT COUNT(*) FROM scores`); err != nil {
		return 0, 0, pfx.Err(err)
	}
	if err = s.db.GetContext(ctx, &variants, `SELECT COUNT(*) FROM variant_weights`); err != nil {
		return 0, 0, pfx.Err(err)
	}
	return scores, variants, nil
}

func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM catalog_meta WHERE key = ?`, key)
	if err != nil {
		return "", err
	}
	return value, nil
}

const scoreColumns = `score_id, trait, category, variant_count, ancestry, publication_doi, publication_year, publication_title, sample_size, genome_build`

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
