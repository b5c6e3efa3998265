package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// Keys in catalog_meta.
const (
	MetaVersion  = "version"
	MetaChecksum = "manifest_checksum"
	MetaReleased = "released"
)

// Writer builds a staged catalog image. It is only used before a version is
// activated; an activated image is never opened for writing again.
type Writer struct {
	db   *sqlx.DB
	path string
}

// Create opens (creating if needed) a writable catalog image at path and
// ensures the schema exists.
func Create(path string) (*Writer, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_journal_mode=DELETE&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, pfx.Err(err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pfx.Err(err)
	}

	return &Writer{db: db, path: path}, nil
}

func (w *Writer) Close() error {
	return w.db.Close()
}

func (w *Writer) Path() string {
	return w.path
}

// UnitState is one row of ingest_units.
type UnitState struct {
	UnitID       string `db:"unit_id"`
	Kind         string `db:"kind"`
	Status       string `db:"status"`
	RecordOffset int    `db:"record_offset"`
}

func (w *Writer) Units(ctx context.Context) (map[string]UnitState, error) {
	rows := []UnitState{}
	if err := w.db.SelectContext(ctx, &rows, `SELECT unit_id, kind, status, record_offset FROM ingest_units`); err != nil {
		return nil, pfx.Err(err)
	}

	out := make(map[string]UnitState, len(rows))
	for _, r := range rows {
		out[r.UnitID] = r
	}
	return out, nil
}

// BeginUnit removes any rows left behind by an earlier attempt at unitID and
// marks it pending.
func (w *Writer) BeginUnit(ctx context.Context, unitID, kind string) error {
	return w.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := purgeUnit(ctx, tx, unitID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO ingest_units (unit_id, kind, status, record_offset) VALUES (?, ?, ?, 0)
ON CONFLICT(unit_id) DO UPDATE SET kind = excluded.kind, status = excluded.status, record_offset = 0`, unitID, kind, UnitPending)
		return err
	})
}

// PurgeUnit deletes every row ingested from unitID and forgets the unit.
func (w *Writer) PurgeUnit(ctx context.Context, unitID string) error {
	return w.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := purgeUnit(ctx, tx, unitID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM ingest_units WHERE unit_id = ?`, unitID)
		return err
	})
}

func purgeUnit(ctx context.Context, tx *sqlx.Tx, unitID string) error {
	for _, table := range []string{"scores", "variant_weights", "distributions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE unit_id = ?`, unitID); err != nil {
			return pfx.Err(err)
		}
	}
	return nil
}

func (w *Writer) CompleteUnit(ctx context.Context, unitID string) error {
	if _, err := w.db.ExecContext(ctx, `UPDATE ingest_units SET status = ? WHERE unit_id = ?`, UnitComplete, unitID); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// Batch is an open transaction inserting rows for one unit.
type Batch struct {
	tx         *sqlx.Tx
	unitID     string
	records    int
	scoreStmt  *sqlx.Stmt
	weightStmt *sqlx.Stmt
	distStmt   *sqlx.Stmt
}

// Batch starts a transaction for unitID. Rows become visible together with
// the advanced record offset when Commit is called.
func (w *Writer) Batch(ctx context.Context, unitID string) (*Batch, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, pfx.Err(err)
	}

	b := &Batch{tx: tx, unitID: unitID}
	if err := tx.GetContext(ctx, &b.records, `SELECT record_offset FROM ingest_units WHERE unit_id = ?`, unitID); err != nil {
		tx.Rollback()
		return nil, pfx.Err(fmt.Errorf("unit %s was not begun: %w", unitID, err))
	}

	return b, nil
}

func (b *Batch) InsertScore(def ScoreDefinition) error {
	if b.scoreStmt == nil {
		stmt, err := b.tx.Preparex(`INSERT OR REPLACE INTO scores (` + scoreColumns + `, unit_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return pfx.Err(err)
		}
		b.scoreStmt = stmt
	}

	_, err := b.scoreStmt.Exec(def.ScoreID, def.Trait, string(def.Category), def.VariantCount, def.Ancestry,
		def.PublicationDOI, def.PublicationYear, def.PublicationTitle, def.SampleSize, def.GenomeBuild, b.unitID)
	if err != nil {
		return pfx.Err(err)
	}
	b.records++
	return nil
}

// InsertVariant adds one weight. A repeated rsid within a score keeps the
// first row.
func (b *Batch) InsertVariant(v VariantWeight) error {
	if b.weightStmt == nil {
		stmt, err := b.tx.Preparex(`INSERT OR IGNORE INTO variant_weights (score_id, rsid, chromosome, position, effect_allele, other_allele, weight, eaf, unit_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return pfx.Err(err)
		}
		b.weightStmt = stmt
	}

	_, err := b.weightStmt.Exec(v.ScoreID, v.RSID, v.Chromosome, v.Position, v.EffectAllele, v.OtherAllele, v.Weight, v.EAF, b.unitID)
	if err != nil {
		return pfx.Err(err)
	}
	b.records++
	return nil
}

func (b *Batch) InsertDistribution(d PopulationDistribution) error {
	if b.distStmt == nil {
		stmt, err := b.tx.Preparex(`INSERT OR REPLACE INTO distributions (score_id, population, mean, std, percentiles, unit_id) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return pfx.Err(err)
		}
		b.distStmt = stmt
	}

	_, err := b.distStmt.Exec(d.ScoreID, d.Population, d.Mean, d.Std, d.Percentiles, b.unitID)
	if err != nil {
		return pfx.Err(err)
	}
	b.records++
	return nil
}

// Records is the unit's record offset including this batch's rows.
func (b *Batch) Records() int {
	return b.records
}

func (b *Batch) Commit() error {
	if _, err := b.tx.Exec(`UPDATE ingest_units SET record_offset = ? WHERE unit_id = ?`, b.records, b.unitID); err != nil {
		b.Rollback()
		return pfx.Err(err)
	}
	if err := b.tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// FinalizeSummary reports what Finalize removed.
type FinalizeSummary struct {
	Scores        int
	Variants      int
	DroppedEmpty  int
	DroppedLarge  int
	DroppedOrphan int
}

// Finalize reconciles the staged image: weights and distributions without a
// definition are removed, definitions without weights or with more than
// maxVariants weights are removed, and every variant_count is set to the
// number of weight rows. The version metadata is recorded last.
func (w *Writer) Finalize(ctx context.Context, maxVariants int, meta map[string]string) (FinalizeSummary, error) {
	var sum FinalizeSummary

	err := w.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM variant_weights WHERE score_id NOT IN (SELECT score_id FROM scores)`)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		sum.DroppedOrphan = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE score_id NOT IN (SELECT score_id FROM scores)`); err != nil {
			return err
		}

		if maxVariants > 0 {
			res, err = tx.ExecContext(ctx, `DELETE FROM scores WHERE score_id IN
(SELECT score_id FROM variant_weights GROUP BY score_id HAVING COUNT(*) > ?)`, maxVariants)
			if err != nil {
				return err
			}
			n, _ = res.RowsAffected()
			sum.DroppedLarge = int(n)

			if _, err := tx.ExecContext(ctx, `DELETE FROM variant_weights WHERE score_id NOT IN (SELECT score_id FROM scores)`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE score_id NOT IN (SELECT score_id FROM scores)`); err != nil {
				return err
			}
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM scores WHERE score_id NOT IN (SELECT DISTINCT score_id FROM variant_weights)`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		sum.DroppedEmpty = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE score_id NOT IN (SELECT score_id FROM scores)`); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE scores SET variant_count =
(SELECT COUNT(*) FROM variant_weights w WHERE w.score_id = scores.score_id)`); err != nil {
			return err
		}

		for k, v := range meta {
			if _, err := tx.ExecContext(ctx, `INSERT INTO catalog_meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return err
			}
		}

		if err := tx.GetContext(ctx, &sum.Scores, `SELECT COUNT(*) FROM scores`); err != nil {
			return err
		}
		return tx.GetContext(ctx, &sum.Variants, `SELECT COUNT(*) FROM variant_weights`)
	})
	if err != nil {
		return sum, err
	}

	if _, err := w.db.ExecContext(ctx, `VACUUM`); err != nil {
		return sum, pfx.Err(err)
	}

	return sum, nil
}

func (w *Writer) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return pfx.Err(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return pfx.Err(err)
	}

	if err := tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// Remove deletes a staged image and its journal.
func Remove(path string) error {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return pfx.Err(err)
		}
	}
	return nil
}
