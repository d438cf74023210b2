package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	goccyjson "github.com/goccy/go-json"

	"github.com/kasuboski/reconcilearr/pkg/cache"
	"github.com/kasuboski/reconcilearr/pkg/metrics"
	"github.com/kasuboski/reconcilearr/pkg/transport"
)

// cache TTLs per endpoint, per spec §4.2's read-through caching table.
const (
	ttlQueue          = 60 * time.Second
	ttlCustomFormats  = 300 * time.Second
	ttlQualityProfile = 300 * time.Second
	ttlSeries         = 300 * time.Second
	ttlHistory        = 30 * time.Second
	ttlEpisodeFile    = 60 * time.Second
)

// HistoryPageCount bounds how many pages of history are fetched per
// episode; newest first, enough pages to cover the last 24h in practice
// per the Design Notes' resolution of the page-count open question.
const HistoryPageCount = 3

// HistoryPageSize is the number of records requested per history page.
const HistoryPageSize = 20

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/client_mock.go -package=mocks github.com/kasuboski/reconcilearr/pkg/manager Client

// Client is the interface the reconciliation engine and webhook receiver
// depend on, letting tests substitute a go.uber.org/mock fake in place of
// ManagerClient.
type Client interface {
	Queue(ctx context.Context) ([]QueueItem, error)
	HistoryForEpisode(ctx context.Context, episodeID int32) ([]HistoryEvent, error)
	EpisodeFile(ctx context.Context, episodeID int32) (EpisodeFile, bool, error)
	CustomFormats(ctx context.Context) (CustomFormatCatalog, error)
	QualityProfile(ctx context.Context, id int32) (QualityProfile, error)
	Series(ctx context.Context, id int32) (Series, error)
	RemoveQueueItem(ctx context.Context, id int32, blockRelease bool) error
	ManualImport(ctx context.Context, req ManualImportRequest) error
	CacheStats() cache.Stats
	InvalidateEpisode(episodeID int32)
}

// ManualImportFile is one file entry in a ManualImport command.
type ManualImportFile struct {
	Path             string   `json:"path"`
	EpisodeIDs       []int32  `json:"episodeIds"`
	Quality          string   `json:"quality"`
	CustomFormats    []string `json:"customFormats"`
	QualityProfileID int32    `json:"qualityProfileId"`
}

// ManualImportRequest is the body of a ManualImport command.
type ManualImportRequest struct {
	DownloadID string
	Files      []ManualImportFile
}

// ManagerClient implements Client against a real manager over HTTP/JSON.
type ManagerClient struct {
	baseURL string
	apiKey  string
	http    *transport.Client
	cache   *cache.Cache[[]byte]
}

// Config configures a ManagerClient.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	PoolSize   int
	MaxRetries int
}

// New builds a ManagerClient with connection pooling, retries, circuit
// breaking and tracing, per spec §4.2.
func New(cfg Config) *ManagerClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 20
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = transport.DefaultMaxRetries
	}

	pooled := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.PoolSize,
		},
	}

	return &ManagerClient{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http: transport.New(
			transport.WithHTTPClient(pooled),
			transport.WithMaxRetries(cfg.MaxRetries),
		),
		cache: cache.New[[]byte](),
	}
}

func (c *ManagerClient) request(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	metrics.ManagerAPICalls.WithLabelValues(method).Inc()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return respBody, resp.StatusCode, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return respBody, resp.StatusCode, ErrUnauthorized
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
		return respBody, resp.StatusCode, ErrConflict
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return respBody, resp.StatusCode, ErrPermanentServer
	case resp.StatusCode >= 500:
		return respBody, resp.StatusCode, ErrTransient
	}

	return respBody, resp.StatusCode, nil
}

func (c *ManagerClient) getCached(ctx context.Context, key string, ttl time.Duration, path string, query url.Values, out any) error {
	if raw, hit := c.cache.Get(key); hit {
		metrics.CacheHits.Inc()
		return goccyjson.Unmarshal(raw, out)
	}
	metrics.CacheMisses.Inc()

	raw, _, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	if err := goccyjson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.cache.Put(key, raw, ttl)
	return nil
}

// Queue fetches every page of the download queue.
func (c *ManagerClient) Queue(ctx context.Context) ([]QueueItem, error) {
	var page struct {
		Page         int         `json:"page"`
		PageSize     int         `json:"pageSize"`
		TotalRecords int         `json:"totalRecords"`
		Records      []QueueItem `json:"records"`
	}

	var all []QueueItem
	pageNum := 1
	for {
		q := url.Values{"page": {strconv.Itoa(pageNum)}, "pageSize": {"250"}}
		key := "queue/page/" + strconv.Itoa(pageNum)
		if err := c.getCached(ctx, key, ttlQueue, "/queue", q, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Records...)
		if len(all) >= page.TotalRecords || len(page.Records) == 0 {
			break
		}
		pageNum++
	}

	return all, nil
}

// HistoryForEpisode fetches the first HistoryPageCount pages of history
// for an episode, newest first.
func (c *ManagerClient) HistoryForEpisode(ctx context.Context, episodeID int32) ([]HistoryEvent, error) {
	var page struct {
		Records []HistoryEvent `json:"records"`
	}

	var all []HistoryEvent
	idStr := strconv.FormatInt(int64(episodeID), 10)

	for pageNum := 1; pageNum <= HistoryPageCount; pageNum++ {
		q := url.Values{
			"episodeId": {idStr},
			"page":      {strconv.Itoa(pageNum)},
			"pageSize":  {strconv.Itoa(HistoryPageSize)},
			"sortKey":   {"date"},
			"sortDir":   {"desc"},
		}
		key := "history/episode/" + idStr + "/page/" + strconv.Itoa(pageNum)
		if err := c.getCached(ctx, key, ttlHistory, "/history", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if len(page.Records) < HistoryPageSize {
			break
		}
	}

	return all, nil
}

// EpisodeFile fetches the currently-imported file for an episode. Absence
// is not an error.
func (c *ManagerClient) EpisodeFile(ctx context.Context, episodeID int32) (EpisodeFile, bool, error) {
	var ef EpisodeFile
	key := "episode_file/" + strconv.FormatInt(int64(episodeID), 10)
	path := "/episodefile/" + strconv.FormatInt(int64(episodeID), 10)

	err := c.getCached(ctx, key, ttlEpisodeFile, path, nil, &ef)
	if err != nil {
		if isNotFound(err) {
			return EpisodeFile{}, false, nil
		}
		return EpisodeFile{}, false, err
	}
	return ef, true, nil
}

// CustomFormats fetches the custom-format catalog.
func (c *ManagerClient) CustomFormats(ctx context.Context) (CustomFormatCatalog, error) {
	var formats []CustomFormat
	if err := c.getCached(ctx, "custom_formats", ttlCustomFormats, "/customformat", nil, &formats); err != nil {
		return nil, err
	}

	catalog := make(CustomFormatCatalog, len(formats))
	for _, f := range formats {
		catalog[f.ID] = f
	}
	return catalog, nil
}

// QualityProfile fetches one quality profile by id.
func (c *ManagerClient) QualityProfile(ctx context.Context, id int32) (QualityProfile, error) {
	var qp QualityProfile
	key := "quality_profile/" + strconv.FormatInt(int64(id), 10)
	path := "/qualityprofile/" + strconv.FormatInt(int64(id), 10)
	err := c.getCached(ctx, key, ttlQualityProfile, path, nil, &qp)
	return qp, err
}

// Series resolves a series id to its record, needed for the series' quality
// profile.
func (c *ManagerClient) Series(ctx context.Context, id int32) (Series, error) {
	var s Series
	key := "series_by_id/" + strconv.FormatInt(int64(id), 10)
	path := "/series/" + strconv.FormatInt(int64(id), 10)
	err := c.getCached(ctx, key, ttlSeries, path, nil, &s)
	return s, err
}

// RemoveQueueItem removes a queue entry, optionally blocklisting the
// release so it is never grabbed again.
func (c *ManagerClient) RemoveQueueItem(ctx context.Context, id int32, blockRelease bool) error {
	q := url.Values{
		"blocklist":        {strconv.FormatBool(blockRelease)},
		"removeFromClient": {"true"},
	}
	path := "/queue/" + strconv.FormatInt(int64(id), 10)

	_, _, err := c.request(ctx, http.MethodDelete, path, q, nil)
	if err != nil && !isConflict(err) && !isNotFound(err) {
		return err
	}

	c.cache.InvalidatePrefix("queue")
	return nil
}

// ManualImport triggers the manager's ManualImport command for one or more
// files. Refuses to mutate if the download id is missing, per §6's
// "refuses to mutate if a required identifier is missing".
func (c *ManagerClient) ManualImport(ctx context.Context, req ManualImportRequest) error {
	if req.DownloadID == "" {
		return ErrMissingIdentifier
	}

	body := struct {
		Name  string             `json:"name"`
		Files []ManualImportFile `json:"files"`
	}{
		Name:  "ManualImport",
		Files: req.Files,
	}

	payload, err := goccyjson.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	_, _, err = c.request(ctx, http.MethodPost, "/command", nil, payload)
	if err != nil {
		return err
	}

	for _, f := range req.Files {
		for _, epID := range f.EpisodeIDs {
			c.InvalidateEpisode(epID)
		}
	}

	return nil
}

// CacheStats exposes the read-through cache's occupancy and hit ratio for
// the health endpoint.
func (c *ManagerClient) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// InvalidateEpisode drops every cached entry that could go stale once an
// episode's download completes or imports: the queue listing, the
// episode's history pages, and its current episode file, per §4.5's
// "cancel it; invalidate episode caches."
func (c *ManagerClient) InvalidateEpisode(episodeID int32) {
	id := strconv.FormatInt(int64(episodeID), 10)
	c.cache.InvalidatePrefix("queue")
	c.cache.InvalidatePrefix("history/episode/" + id + "/")
	c.cache.Invalidate("episode_file/" + id)
}

// Serve runs the read-through cache's sweeper until ctx is cancelled,
// matching thejerf/suture's Service interface so it can be supervised
// alongside the scheduler, engine and webhook server.
func (c *ManagerClient) Serve(ctx context.Context) error {
	c.cache.RunSweeper(ctx, cache.DefaultSweepInterval)
	return ctx.Err()
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, ErrConflict) }
