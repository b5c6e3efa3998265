package catalog

// Unit ingestion states recorded in ingest_units.
const (
	UnitPending  = "pending"
	UnitComplete = "complete"
)

// Every data row carries the id of the manifest unit it was ingested from, so
// an interrupted unit can be purged without touching the others.
const schema = `
CREATE TABLE IF NOT EXISTS scores (
	score_id TEXT PRIMARY KEY NOT NULL,
	trait TEXT NOT NULL,
	category TEXT NOT NULL,
	variant_count INTEGER NOT NULL DEFAULT 0,
	ancestry TEXT NOT NULL DEFAULT '',
	publication_doi TEXT NOT NULL DEFAULT '',
	publication_year INTEGER,
	publication_title TEXT NOT NULL DEFAULT '',
	sample_size INTEGER,
	genome_build TEXT NOT NULL DEFAULT '',
	unit_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS variant_weights (
	score_id TEXT NOT NULL,
	rsid TEXT NOT NULL,
	chromosome TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	effect_allele TEXT NOT NULL,
	other_allele TEXT NOT NULL DEFAULT '',
	weight REAL NOT NULL,
	eaf REAL,
	unit_id TEXT NOT NULL,
	UNIQUE(score_id, rsid)
);

CREATE TABLE IF NOT EXISTS distributions (
	score_id TEXT NOT NULL,
	population TEXT NOT NULL,
	mean REAL NOT NULL,
	std REAL NOT NULL,
	percentiles TEXT,
	unit_id TEXT NOT NULL,
	UNIQUE(score_id, population)
);

CREATE TABLE IF NOT EXISTS ingest_units (
	unit_id TEXT PRIMARY KEY NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	record_offset INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS catalog_meta (
	key TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_trait ON scores(trait);
CREATE INDEX IF NOT EXISTS idx_scores_category ON scores(category);
CREATE INDEX IF NOT EXISTS idx_variant_weights_score ON variant_weights(score_id);
CREATE INDEX IF NOT EXISTS idx_variant_weights_unit ON variant_weights(unit_id);
CREATE INDEX IF NOT EXISTS idx_distributions_unit ON distributions(unit_id);
`
