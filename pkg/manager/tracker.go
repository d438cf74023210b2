package manager

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var foldCase = cases.Fold()

// ClassifyTracker derives a TrackerClass from an indexer name using the
// configured private/public lists. An entry matches when the indexer name
// contains it, compared case-insensitively; the private list is checked
// first.
func ClassifyTracker(indexer string, private, public []string) TrackerClass {
	folded := foldCase.String(indexer)

	for _, p := range private {
		if containsFold(folded, p) {
			return TrackerPrivate
		}
	}

	for _, p := range public {
		if containsFold(folded, p) {
			return TrackerPublic
		}
	}

	return TrackerUnknown
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(haystack, foldCase.String(needle))
}

// titleCaser is used when rendering an indexer name in log messages and
// dry-run summaries, matching the teacher's convention for presenting
// free-form upstream strings.
var titleCaser = cases.Title(language.English)

// DisplayIndexer returns an indexer name suitable for a human-facing log
// line.
func DisplayIndexer(indexer string) string {
	if indexer == "" {
		return "unknown"
	}
	return titleCaser.String(indexer)
}
