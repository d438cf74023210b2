package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuboski/reconcilearr/pkg/cache"
	"github.com/kasuboski/reconcilearr/pkg/logger"
	"github.com/kasuboski/reconcilearr/pkg/manager"
)

type fakeClient struct {
	mu          sync.Mutex
	invalidated []int32
}

func (*fakeClient) Queue(context.Context) ([]manager.QueueItem, error) { return nil, nil }
func (*fakeClient) HistoryForEpisode(context.Context, int32) ([]manager.HistoryEvent, error) {
	return nil, nil
}
func (*fakeClient) EpisodeFile(context.Context, int32) (manager.EpisodeFile, bool, error) {
	return manager.EpisodeFile{}, false, nil
}
func (*fakeClient) CustomFormats(context.Context) (manager.CustomFormatCatalog, error) {
	return manager.CustomFormatCatalog{}, nil
}
func (*fakeClient) QualityProfile(context.Context, int32) (manager.QualityProfile, error) {
	return manager.QualityProfile{}, nil
}
func (*fakeClient) Series(context.Context, int32) (manager.Series, error) { return manager.Series{}, nil }
func (*fakeClient) RemoveQueueItem(context.Context, int32, bool) error    { return nil }
func (*fakeClient) ManualImport(context.Context, manager.ManualImportRequest) error {
	return nil
}
func (*fakeClient) CacheStats() cache.Stats { return cache.Stats{} }
func (f *fakeClient) InvalidateEpisode(episodeID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, episodeID)
}

type fakeReconciler struct {
	calls []manager.QueueItem
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, item manager.QueueItem) error {
	f.calls = append(f.calls, item)
	return f.err
}

func newTestServer(t *testing.T, secret string, reconciler Reconciler) (*Server, *manager.Scheduler) {
	t.Helper()
	s, sched, _ := newTestServerWithClient(t, secret, reconciler)
	return s, sched
}

func newTestServerWithClient(t *testing.T, secret string, reconciler Reconciler) (*Server, *manager.Scheduler, *fakeClient) {
	t.Helper()
	sched := manager.NewScheduler(func(context.Context, manager.ReconciliationTask) {})
	client := &fakeClient{}
	s := New(Config{Secret: secret}, client, sched, reconciler, logger.Get())
	return s, sched, client
}

func doWebhook(t *testing.T, s *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/sonarr", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	return w
}

func TestWebhookTestEventReturnsOK(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventTest})
	w := doWebhook(t, s, body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRejectsMissingAuthWhenSecretConfigured(t *testing.T) {
	s, _ := newTestServer(t, "shh", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventTest})
	w := doWebhook(t, s, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookAcceptsSharedSecretHeader(t *testing.T) {
	s, _ := newTestServer(t, "shh", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventTest})
	w := doWebhook(t, s, body, map[string]string{"X-Webhook-Secret": "shh"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookAcceptsHMACSignature(t *testing.T) {
	s, _ := newTestServer(t, "shh", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventTest})

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	w := doWebhook(t, s, body, map[string]string{"X-Webhook-Signature": sig})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookGrabSchedulesPostGrabCheck(t *testing.T) {
	s, sched := newTestServer(t, "", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventGrab, DownloadID: "D1", Episode: &EpisodeRef{ID: 42}})

	w := doWebhook(t, s, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sched.Pending())
}

func TestWebhookImportCancelsScheduledCheck(t *testing.T) {
	s, sched, client := newTestServerWithClient(t, "", &fakeReconciler{})
	fp := manager.Fingerprint{EpisodeID: 42, DownloadID: "D1"}
	sched.Schedule(fp, time.Now().Add(time.Hour), manager.TriggerPostGrabCheck)

	body, _ := json.Marshal(Payload{EventType: EventImport, DownloadID: "D1", Episode: &EpisodeRef{ID: 42}})
	w := doWebhook(t, s, body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, sched.Pending())
	assert.Equal(t, []int32{42}, client.invalidated)
}

func TestWebhookImportFailureTriggersImmediateReconcile(t *testing.T) {
	reconciler := &fakeReconciler{}
	s, _ := newTestServer(t, "", reconciler)

	body, _ := json.Marshal(Payload{EventType: EventImportFailure, DownloadID: "D1", Episode: &EpisodeRef{ID: 42}})
	w := doWebhook(t, s, body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, reconciler.calls, 1)
	assert.Equal(t, "D1", reconciler.calls[0].DownloadID)
}

func TestWebhookUnknownEventIsIgnoredWithOK(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: "SomethingElse"})
	w := doWebhook(t, s, body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookMalformedJSONReturns400(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	w := doWebhook(t, s, []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookDuplicateDeliveryCollapsed(t *testing.T) {
	reconciler := &fakeReconciler{}
	s, _ := newTestServer(t, "", reconciler)

	body, _ := json.Marshal(Payload{EventType: EventImportFailure, DownloadID: "D1", EventID: "evt-1", Episode: &EpisodeRef{ID: 42}})
	doWebhook(t, s, body, nil)
	doWebhook(t, s, body, nil)

	assert.Len(t, reconciler.calls, 1)
}

func TestWebhookRateLimitExceeded(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	s.limiter = NewRateLimiter(1)

	body, _ := json.Marshal(Payload{EventType: EventTest})
	w1 := doWebhook(t, s, body, nil)
	w2 := doWebhook(t, s, body, nil)

	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestHealthEndpointReportsStatus(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpointReportsCounters(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeReconciler{})
	body, _ := json.Marshal(Payload{EventType: EventTest})
	doWebhook(t, s, body, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
