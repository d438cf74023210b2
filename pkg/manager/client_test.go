package manager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*ManagerClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{URL: srv.URL, APIKey: "secret"})
	return c, srv
}

func TestQueueFetchesAllPages(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		n := atomic.AddInt32(&calls, 1)

		var resp struct {
			TotalRecords int         `json:"totalRecords"`
			Records      []QueueItem `json:"records"`
		}
		resp.TotalRecords = 2
		if n == 1 {
			resp.Records = []QueueItem{{ID: 1}}
		} else {
			resp.Records = []QueueItem{{ID: 2}}
		}
		json.NewEncoder(w).Encode(resp)
	})

	items, err := c.Queue(t.Context())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestQueueIsCachedWithinTTL(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp := struct {
			TotalRecords int         `json:"totalRecords"`
			Records      []QueueItem `json:"records"`
		}{TotalRecords: 1, Records: []QueueItem{{ID: 1}}}
		json.NewEncoder(w).Encode(resp)
	})

	_, err := c.Queue(t.Context())
	require.NoError(t, err)
	_, err = c.Queue(t.Context())
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second call should be served from cache")
}

func TestEpisodeFileNotFoundIsNotAnError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, ok, err := c.EpisodeFile(t.Context(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManualImportRequiresDownloadID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the server")
	})

	err := c.ManualImport(t.Context(), ManualImportRequest{})
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestManualImportInvalidatesCaches(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history":
			json.NewEncoder(w).Encode(map[string]any{"records": []HistoryEvent{}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
		}
	})

	_, err := c.HistoryForEpisode(t.Context(), 42)
	require.NoError(t, err)
	assert.Greater(t, c.CacheStats().Size, 0)

	err = c.ManualImport(t.Context(), ManualImportRequest{
		DownloadID: "D1",
		Files: []ManualImportFile{
			{Path: "/data/ep.mkv", EpisodeIDs: []int32{42}, QualityProfileID: 98},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, c.CacheStats().Size)
}

func TestInvalidateEpisodeDropsQueueHistoryAndFileEntries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history":
			json.NewEncoder(w).Encode(map[string]any{"records": []HistoryEvent{}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
		}
	})

	_, err := c.Queue(t.Context())
	require.NoError(t, err)
	_, err = c.HistoryForEpisode(t.Context(), 42)
	require.NoError(t, err)
	_, _, err = c.EpisodeFile(t.Context(), 42)
	require.NoError(t, err)
	assert.Greater(t, c.CacheStats().Size, 0)

	c.InvalidateEpisode(42)
	assert.Equal(t, 0, c.CacheStats().Size)
}

func TestRemoveQueueItemTreatsConflictAsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusConflict)
	})

	err := c.RemoveQueueItem(t.Context(), 7, true)
	assert.NoError(t, err)
}

func TestQualityProfileUnauthorized(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.QualityProfile(t.Context(), 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestScoreForSumsKnownFormatsOnly(t *testing.T) {
	catalog := CustomFormatCatalog{
		1: CustomFormat{ID: 1, Name: "A"},
		2: CustomFormat{ID: 2, Name: "B"},
	}
	profile := QualityProfile{FormatItems: []FormatItem{
		{FormatID: 1, Score: 100},
		{FormatID: 2, Score: 50},
	}}

	score := catalog.ScoreFor(profile, []string{"A", "B", "Unknown"})
	assert.Equal(t, 150, score)
}
