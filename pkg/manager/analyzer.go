package manager

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultThreshold is the score-difference threshold applied when
// monitoring.force_import_threshold is unset.
const DefaultThreshold = 10

// maxReportedFormats bounds how many missing/extra format names are
// named in a Reason string, mirroring the original analyzer's
// list(missing_formats)[:3] truncation.
const maxReportedFormats = 3

// Analyze applies the decision table over a grab score, an optional
// current score, a threshold and a tracker class. grabFormats and
// currentFormats are the custom format names behind each score; Analyze
// reports their set difference on the returned Decision and, on a
// force_import decision, folds the missing side into Reason, matching the
// original analyzer's reasoning string. It is a pure function: no I/O, no suspension points,
// first-match-wins over the ordered table in spec §4.3.
func Analyze(grabScore int, currentScore int, hasCurrent bool, threshold int, cls TrackerClass, grabFormats []string, currentFormats []string) Decision {
	missing, extra := formatDiff(grabFormats, currentFormats)

	d := Decision{
		GrabScore:      grabScore,
		CurrentScore:   currentScore,
		HasCurrent:     hasCurrent,
		Tracker:        cls,
		Threshold:      threshold,
		GrabFormats:    grabFormats,
		CurrentFormats: currentFormats,
		MissingFormats: missing,
		ExtraFormats:   extra,
	}

	effectiveCurrent := currentScore
	if !hasCurrent {
		effectiveCurrent = 0
	}
	diff := grabScore - effectiveCurrent

	switch {
	case !hasCurrent && diff >= threshold:
		d.Kind = ForceImport
		d.Reason = withMissingFormats(fmt.Sprintf("no current file; grab score %d exceeds threshold %d", grabScore, threshold), missing)
		return d
	case diff >= threshold:
		d.Kind = ForceImport
		d.Reason = withMissingFormats(fmt.Sprintf("grab score (%d) is %d points higher than current file (%d)", grabScore, diff, currentScore), missing)
		return d
	case diff <= -threshold && cls == TrackerPublic:
		d.Kind = RemovePublic
		d.Reason = fmt.Sprintf("public tracker with lower score (grab: %d, current: %d, diff: %d)", grabScore, currentScore, diff)
		return d
	case diff <= -threshold && cls == TrackerPrivate:
		d.Kind = KeepPrivate
		d.Reason = fmt.Sprintf("private tracker protection - keeping despite lower score (diff: %d)", diff)
		return d
	case abs(diff) < threshold:
		d.Kind = NoAction
		d.Reason = fmt.Sprintf("score difference (%d) within tolerance threshold (%d)", diff, threshold)
		return d
	case cls == TrackerUnknown:
		// Only reachable when diff <= -threshold (the case above
		// already caught |diff| < threshold); an unknown tracker's
		// would-be removal is treated conservatively as protected.
		d.Kind = KeepPrivate
		d.Reason = fmt.Sprintf("unknown tracker; treated as protected (diff: %d)", diff)
		return d
	default:
		d.Kind = NoAction
		d.Reason = fmt.Sprintf("score difference (%d) within tolerance threshold (%d)", diff, threshold)
		return d
	}
}

// formatDiff reports which of grabFormats is absent from currentFormats
// and vice versa, sorted for deterministic Reason strings.
func formatDiff(grabFormats, currentFormats []string) (missing, extra []string) {
	grabSet := make(map[string]bool, len(grabFormats))
	for _, f := range grabFormats {
		grabSet[f] = true
	}
	currentSet := make(map[string]bool, len(currentFormats))
	for _, f := range currentFormats {
		currentSet[f] = true
	}

	for f := range grabSet {
		if !currentSet[f] {
			missing = append(missing, f)
		}
	}
	for f := range currentSet {
		if !grabSet[f] {
			extra = append(extra, f)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// withMissingFormats appends a ". Missing formats: a, b, c" clause when
// missing is non-empty, matching the original analyzer's reasoning.
func withMissingFormats(reason string, missing []string) string {
	if len(missing) == 0 {
		return reason
	}
	shown := missing
	if len(shown) > maxReportedFormats {
		shown = shown[:maxReportedFormats]
	}
	return reason + ". Missing formats: " + strings.Join(shown, ", ")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// MostRecentGrab returns the most recent grab event matching downloadID. If
// none match, it falls back to the most recent grab for the episode for
// which since reports true (Reconcile passes a 24h lookback). The bool
// reports whether either branch found a grab; it does not say which.
func MostRecentGrab(history []HistoryEvent, downloadID string, since func(HistoryEvent) bool) (HistoryEvent, bool) {
	var matched []HistoryEvent
	var fallback []HistoryEvent

	for _, e := range history {
		if e.EventType != EventGrabbed {
			continue
		}
		if e.DownloadID == downloadID {
			matched = append(matched, e)
			continue
		}
		if since(e) {
			fallback = append(fallback, e)
		}
	}

	if len(matched) > 0 {
		return newest(matched), true
	}
	if len(fallback) > 0 {
		return newest(fallback), true
	}
	return HistoryEvent{}, false
}

func newest(events []HistoryEvent) HistoryEvent {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Date.After(events[j].Date)
	})
	return events[0]
}

// DetectRepeatedGrabs returns grab events for an episode that have no
// matching import event in the provided history, but only once grabs
// meaningfully outnumber imports — a 1:1 (or near) ratio of grabs to
// imports is the normal grab-then-import flow, not a stuck loop.
func DetectRepeatedGrabs(history []HistoryEvent) []HistoryEvent {
	var grabs, imports []HistoryEvent
	for _, e := range history {
		switch e.EventType {
		case EventGrabbed:
			grabs = append(grabs, e)
		case EventDownloadFolderImported:
			imports = append(imports, e)
		}
	}

	if len(grabs) <= len(imports)+1 {
		return nil
	}

	imported := make(map[string]bool, len(imports))
	for _, imp := range imports {
		imported[imp.DownloadID] = true
	}

	var unimported []HistoryEvent
	for _, g := range grabs {
		if !imported[g.DownloadID] {
			unimported = append(unimported, g)
		}
	}
	return unimported
}
