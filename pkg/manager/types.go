// Package manager implements the Decision and Reconciliation Engine: it
// watches the upstream media manager's download queue and history, compares
// grab-time scores against import-time scores, and corrects the drift by
// forcing an import, removing a worthless public-tracker download, or
// leaving a private-tracker download alone.
package manager

import "time"

// QueueStatus mirrors the manager's coarse download status.
type QueueStatus string

const (
	StatusQueued      QueueStatus = "queued"
	StatusDownloading QueueStatus = "downloading"
	StatusCompleted   QueueStatus = "completed"
	StatusFailed      QueueStatus = "failed"
)

// TrackedDownloadState is the manager's finer-grained view of where a
// download sits in the import pipeline.
type TrackedDownloadState string

const (
	StateImporting      TrackedDownloadState = "importing"
	StateImportPending  TrackedDownloadState = "importPending"
	StateImportBlocked  TrackedDownloadState = "importBlocked"
	StateDownloadFailed TrackedDownloadState = "downloadFailed"
	StateImportFailed   TrackedDownloadState = "importFailed"
)

// TrackedDownloadStatus is the manager's coarse health flag for a tracked
// download: ok, warning or error.
type TrackedDownloadStatus string

const (
	DownloadStatusOK      TrackedDownloadStatus = "ok"
	DownloadStatusWarning TrackedDownloadStatus = "warning"
	DownloadStatusError   TrackedDownloadStatus = "error"
)

// StatusMessage is one of the queue item's human-readable status lines.
type StatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

// QueueItem is a snapshot of one pending download as reported by the
// manager. It is observed read-only by this system.
type QueueItem struct {
	ID                    int32                  `json:"id"`
	DownloadID            string                 `json:"downloadId"`
	EpisodeID             *int32                 `json:"episodeId,omitempty"`
	SeriesID              *int32                 `json:"seriesId,omitempty"`
	Status                QueueStatus            `json:"status"`
	TrackedDownloadState  TrackedDownloadState   `json:"trackedDownloadState"`
	TrackedDownloadStatus TrackedDownloadStatus  `json:"trackedDownloadStatus"`
	StatusMessages        []StatusMessage        `json:"statusMessages"`
	Indexer               string                 `json:"indexer"`
	Protocol              string                 `json:"protocol"`
	OutputPath            string                 `json:"outputPath,omitempty"`
	Quality               QueueItemQuality       `json:"quality"`
}

// QueueItemQuality mirrors the manager's nested quality/quality/name shape
// on a queue item, carried through to a force import's body untouched.
type QueueItemQuality struct {
	Quality QualityName `json:"quality"`
}

// QualityName is the name leaf of the manager's quality object.
type QualityName struct {
	Name string `json:"name"`
}

// HistoryEventType enumerates the manager's append-only event kinds.
type HistoryEventType string

const (
	EventGrabbed                HistoryEventType = "grabbed"
	EventDownloadFolderImported HistoryEventType = "downloadFolderImported"
	EventDownloadFailed         HistoryEventType = "downloadFailed"
	EventEpisodeFileDeleted     HistoryEventType = "episodeFileDeleted"
	EventGrabbedImportPending   HistoryEventType = "grabbedImportPending"
)

// HistoryEvent is one manager-recorded event for an episode.
type HistoryEvent struct {
	EpisodeID         int32            `json:"episodeId"`
	EventType         HistoryEventType `json:"eventType"`
	Date              time.Time        `json:"date"`
	DownloadID        string           `json:"downloadId"`
	SourceTitle       string           `json:"sourceTitle"`
	Indexer           string           `json:"indexer"`
	CustomFormatScore *int             `json:"customFormatScore,omitempty"`
	CustomFormats     []string         `json:"customFormats"`
	Data              map[string]any   `json:"data,omitempty"`
}

// EpisodeFile is the currently-imported file for an episode, if any.
type EpisodeFile struct {
	EpisodeID         int32    `json:"episodeId"`
	CustomFormatScore int      `json:"customFormatScore"`
	CustomFormats     []string `json:"customFormats"`
	QualityProfileID  int32    `json:"qualityProfileId"`
}

// CustomFormat names a scoring rule the manager applies to releases.
type CustomFormat struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// FormatItem is one entry of a quality profile's format-to-score table.
type FormatItem struct {
	FormatID int32 `json:"format"`
	Score    int   `json:"score"`
}

// QualityProfile maps custom formats to scores for series assigned to it.
type QualityProfile struct {
	ID          int32        `json:"id"`
	Name        string       `json:"name"`
	FormatItems []FormatItem `json:"formatItems"`
}

// Series is the minimal series record needed to resolve a queue item's
// quality profile for a manual-import call.
type Series struct {
	ID               int32  `json:"id"`
	Title            string `json:"title"`
	QualityProfileID int32  `json:"qualityProfileId"`
}

// CustomFormatCatalog resolves format ids to names, independent of any one
// quality profile's scoring.
type CustomFormatCatalog map[int32]CustomFormat

// ScoreFor sums the scores a quality profile assigns to a set of custom
// format names. Formats absent from either the catalog or the profile
// contribute zero.
func (c CustomFormatCatalog) ScoreFor(profile QualityProfile, formatNames []string) int {
	byName := make(map[string]int32, len(c))
	for id, cf := range c {
		byName[cf.Name] = id
	}

	scoreByFormat := make(map[int32]int, len(profile.FormatItems))
	for _, fi := range profile.FormatItems {
		scoreByFormat[fi.FormatID] = fi.Score
	}

	total := 0
	for _, name := range formatNames {
		id, ok := byName[name]
		if !ok {
			continue
		}
		total += scoreByFormat[id]
	}
	return total
}

// TrackerClass is this system's classification of an indexer.
type TrackerClass string

const (
	TrackerPrivate TrackerClass = "private"
	TrackerPublic  TrackerClass = "public"
	TrackerUnknown TrackerClass = "unknown"
)

// DecisionKind is the corrective action the analyzer recommends.
type DecisionKind string

const (
	ForceImport  DecisionKind = "force_import"
	RemovePublic DecisionKind = "remove_public"
	KeepPrivate  DecisionKind = "keep_private"
	NoAction     DecisionKind = "no_action"
)

// Decision is the analyzer's immutable output for one reconcile attempt.
type Decision struct {
	Kind         DecisionKind
	Reason       string
	GrabScore    int
	CurrentScore int
	HasCurrent   bool
	Tracker      TrackerClass
	Threshold    int

	// GrabFormats and CurrentFormats are the custom format names carried
	// by the grab event and the current episode file, respectively.
	// MissingFormats is GrabFormats minus CurrentFormats; ExtraFormats
	// is the reverse, mirroring the grab/current set difference the
	// original implementation reported alongside its score.
	GrabFormats    []string
	CurrentFormats []string
	MissingFormats []string
	ExtraFormats   []string
}

// SchedulerTrigger names why a ReconciliationTask was scheduled.
type SchedulerTrigger string

const (
	TriggerPostGrabCheck SchedulerTrigger = "post_grab_check"
	TriggerRetry         SchedulerTrigger = "retry"
)

// Fingerprint identifies a scheduled task and an acted-on cool-down entry.
type Fingerprint struct {
	EpisodeID  int32
	DownloadID string
}

// ReconciliationTask is the scheduler's internal bookkeeping entry.
type ReconciliationTask struct {
	Fingerprint Fingerprint
	DueAt       time.Time
	Trigger     SchedulerTrigger
}
