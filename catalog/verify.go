package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/carbocation/pfx"
)

// Verify checks the image for internal consistency: SQLite's own integrity
// check, every ingested unit complete, and every definition's variant_count
// equal to its number of weight rows. The returned error lists the first few
// problems found.
func (s *Store) Verify(ctx context.Context) error {
	var problems []string

	checks := []string{}
	if err := s.db.SelectContext(ctx, &checks, `PRAGMA integrity_check`); err != nil {
		return pfx.Err(err)
	}
	for _, c := range checks {
		if c != "ok" {
			problems = append(problems, "integrity_check: "+c)
		}
	}

	var pending int
	if err := s.db.GetContext(ctx, &pending, `SELECT COUNT(*) FROM ingest_units WHERE status != ?`, UnitComplete); err != nil {
		return pfx.Err(err)
	}
	if pending > 0 {
		problems = append(problems, fmt.Sprintf("%d units not completely ingested", pending))
	}

	type mismatch struct {
		ScoreID  string `db:"score_id"`
		Declared int    `db:"variant_count"`
		Actual   int    `db:"actual"`
	}
	mismatches := []mismatch{}
	err := s.db.SelectContext(ctx, &mismatches, `SELECT s.score_id, s.variant_count, COUNT(w.rsid) AS actual
FROM scores s LEFT JOIN variant_weights w ON w.score_id = s.score_id
GROUP BY s.score_id HAVING s.variant_count != COUNT(w.rsid) LIMIT 10`)
	if err != nil {
		return pfx.Err(err)
	}
	for _, m := range mismatches {
		problems = append(problems, fmt.Sprintf("%s declares %d variants but has %d", m.ScoreID, m.Declared, m.Actual))
	}

	if len(problems) > 0 {
		return fmt.Errorf("catalog %s is inconsistent: %s", s.path, strings.Join(problems, "; "))
	}

	return nil
}
