// Package webhook implements the secured ingress endpoint that feeds
// manager-pushed events into delayed reconciliation tasks: authentication,
// per-remote-address rate limiting, delivery dedup, and event routing.
package webhook

// EventType enumerates the manager eventType values this receiver
// recognizes. Anything else is accepted and ignored.
type EventType string

const (
	EventTest             EventType = "Test"
	EventGrab             EventType = "Grab"
	EventDownload         EventType = "Download"
	EventImport           EventType = "Import"
	EventImportFailure    EventType = "ImportFailure"
	EventDownloadFailure  EventType = "DownloadFailure"
	EventHealthIssue      EventType = "HealthIssue"
)

// EpisodeRef is the episode identity carried on a manager webhook payload.
type EpisodeRef struct {
	ID int32 `json:"id"`
}

// SeriesRef is the series identity carried on a manager webhook payload.
type SeriesRef struct {
	ID int32 `json:"id"`
}

// Payload is the manager's webhook delivery body. Fields beyond what this
// receiver consumes are tolerated and ignored.
type Payload struct {
	EventType  EventType    `json:"eventType"`
	EventID    string       `json:"eventId,omitempty"`
	DownloadID string       `json:"downloadId,omitempty"`
	Episode    *EpisodeRef  `json:"episode,omitempty"`
	Episodes   []EpisodeRef `json:"episodes,omitempty"`
	Series     *SeriesRef   `json:"series,omitempty"`
}

// episodeID returns the first episode id referenced by the payload, from
// either the singular or plural field the manager may send.
func (p Payload) episodeID() (int32, bool) {
	if p.Episode != nil {
		return p.Episode.ID, true
	}
	if len(p.Episodes) > 0 {
		return p.Episodes[0].ID, true
	}
	return 0, false
}
