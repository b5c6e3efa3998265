package main

import (
	"fmt"
	"strings"

	"github.com/carbocation/polyrisk/fetch"
)

// Release file naming:
//
//	scores*.tsv                  score definitions
//	distributions*.tsv           population distributions
//	ref_<score_id>[_<pop>].tsv   reference cohort scores
//	<score_id>[_*].txt           scoring file
//
// Any of these may carry a .gz, .bz2, .xz or .zip suffix.
func classify(name, layout string) (fetch.Unit, error) {
	u := fetch.Unit{ID: name}

	base := trimCompression(name)
	stem := base
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	lower := strings.ToLower(stem)

	switch {
	case strings.HasPrefix(lower, "scores"):
		u.Kind = fetch.KindScores
	case strings.HasPrefix(lower, "distributions"):
		u.Kind = fetch.KindDistributions
	case strings.HasPrefix(lower, "ref_"):
		u.Kind = fetch.KindReference
		parts := strings.SplitN(stem[len("ref_"):], "_", 2)
		u.ScoreID = parts[0]
		if len(parts) == 2 {
			u.Population = parts[1]
		}
	default:
		u.Kind = fetch.KindWeights
		u.ScoreID = strings.SplitN(stem, "_", 2)[0]
		u.Layout = layout
	}

	if (u.Kind == fetch.KindWeights || u.Kind == fetch.KindReference) && u.ScoreID == "" {
		return u, fmt.Errorf("%s: cannot tell which score the file belongs to", name)
	}

	return u, nil
}

func trimCompression(name string) string {
	for _, ext := range []string{".gz", ".bz2", ".xz", ".zip"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
