package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	goccyjson "github.com/goccy/go-json"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kasuboski/reconcilearr/pkg/cache"
	"github.com/kasuboski/reconcilearr/pkg/logger"
	"github.com/kasuboski/reconcilearr/pkg/manager"
	"github.com/kasuboski/reconcilearr/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// dedupWindow collapses identical deliveries received within this window,
// per §4.5's deduplication rule.
const dedupWindow = 30 * time.Second

// maxBodyBytes caps a webhook delivery body to guard against an
// oversized payload tying up a handler goroutine.
const maxBodyBytes = 1 << 20

// Reconciler is the subset of the reconciliation engine the webhook
// receiver drives directly, on-demand, outside the periodic scan.
type Reconciler interface {
	Reconcile(ctx context.Context, item manager.QueueItem) error
}

// Config configures a Server's policy knobs.
type Config struct {
	Host              string
	Port              int
	Secret            string
	ImportCheckDelay  time.Duration
	RateLimitPerMin   int
}

// Server is the Webhook Receiver: an authenticated HTTP endpoint that
// rate-limits, dedups, and routes manager events into the scheduler and
// reconciliation engine.
type Server struct {
	cfg       Config
	client    manager.Client
	scheduler *manager.Scheduler
	reconcile Reconciler
	auth      *Authenticator
	limiter   *RateLimiter
	dedup     *cache.Cache[struct{}]
	startedAt time.Time
	baseLog   *zap.SugaredLogger

	eventCounts   eventCounters
	authFailures  counter
	rateLimited   counter
}

// New builds a Server. If cfg.Secret is empty the endpoint still serves,
// per §4.5, and Serve logs a warning when it starts.
func New(cfg Config, client manager.Client, scheduler *manager.Scheduler, reconcile Reconciler, baseLog *zap.SugaredLogger) *Server {
	if cfg.RateLimitPerMin == 0 {
		cfg.RateLimitPerMin = 30
	}
	if cfg.ImportCheckDelay == 0 {
		cfg.ImportCheckDelay = 600 * time.Second
	}

	return &Server{
		cfg:       cfg,
		client:    client,
		scheduler: scheduler,
		reconcile: reconcile,
		auth:      NewAuthenticator(cfg.Secret),
		limiter:   NewRateLimiter(cfg.RateLimitPerMin),
		dedup:     cache.New[struct{}](),
		startedAt: time.Now(),
		baseLog:   baseLog,
	}
}

// router builds the mux.Router serving this server's endpoints.
func (s *Server) router() http.Handler {
	rtr := mux.NewRouter()
	rtr.Use(s.logMiddleware())
	rtr.HandleFunc("/webhook/sonarr", s.handleWebhook()).Methods(http.MethodPost)
	rtr.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	rtr.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	rtr.Handle("/metrics/prom", promhttp.Handler()).Methods(http.MethodGet)

	return handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(rtr)
}

// Serve runs the HTTP server until ctx is cancelled, matching
// thejerf/suture's Service interface.
func (s *Server) Serve(ctx context.Context) error {
	if !s.auth.Enabled() {
		s.baseLog.Warn("webhook secret not configured; endpoint accepts unauthenticated deliveries")
	}

	go s.dedup.RunSweeper(ctx, cache.DefaultSweepInterval)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.baseLog.Infow("webhook receiver listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logMiddleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := s.baseLog.With(zap.String("request_path", r.URL.Path), zap.String("request_id", uuid.New().String()))
			h.ServeHTTP(w, r.WithContext(logger.WithCtx(r.Context(), log)))
		})
	}
}

func (s *Server) remoteKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())

		if !s.limiter.Allow(s.remoteKey(r)) {
			s.rateLimited.add(1)
			metrics.WebhookRateLimited.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}

		if !s.auth.Verify(r, body) {
			s.authFailures.add(1)
			metrics.WebhookAuthFailures.Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var payload Payload
		if err := goccyjson.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json"})
			return
		}

		if s.isDuplicate(payload) {
			log.Debug("duplicate webhook delivery collapsed")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}

		s.eventCounts.add(payload.EventType)
		metrics.WebhookEventsTotal.WithLabelValues(string(payload.EventType)).Inc()
		episodeID, hasEpisode := payload.episodeID()
		log.Infow("webhook event accepted",
			"event_type", payload.EventType,
			"download_id", payload.DownloadID,
			"episode_id", episodeID,
			"remote_addr", s.remoteKey(r),
		)

		status, body2, err := s.dispatch(r.Context(), payload, episodeID, hasEpisode)
		if err != nil {
			log.Errorw("failed to process webhook event", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing error"})
			return
		}

		writeJSON(w, status, body2)
	}
}

func (s *Server) isDuplicate(p Payload) bool {
	key := "dedup/" + string(p.EventType) + "/" + p.DownloadID + "/" + p.EventID
	if _, hit := s.dedup.Get(key); hit {
		return true
	}
	s.dedup.Put(key, struct{}{}, dedupWindow)
	return false
}

// dispatch routes an accepted event to its action per §4.5's table.
func (s *Server) dispatch(ctx context.Context, p Payload, episodeID int32, hasEpisode bool) (int, map[string]string, error) {
	switch p.EventType {
	case EventTest:
		return http.StatusOK, map[string]string{"status": "ok"}, nil

	case EventGrab:
		if !hasEpisode || p.DownloadID == "" {
			return http.StatusOK, map[string]string{"status": "ignored"}, nil
		}
		fp := manager.Fingerprint{EpisodeID: episodeID, DownloadID: p.DownloadID}
		s.scheduler.Schedule(fp, time.Now().Add(s.cfg.ImportCheckDelay), manager.TriggerPostGrabCheck)
		return http.StatusOK, map[string]string{"status": "scheduled"}, nil

	case EventDownload, EventImport:
		if hasEpisode {
			if p.DownloadID != "" {
				s.scheduler.Cancel(manager.Fingerprint{EpisodeID: episodeID, DownloadID: p.DownloadID})
			}
			s.client.InvalidateEpisode(episodeID)
		}
		return http.StatusOK, map[string]string{"status": "accepted"}, nil

	case EventImportFailure, EventDownloadFailure:
		if !hasEpisode {
			return http.StatusOK, map[string]string{"status": "ignored"}, nil
		}
		item := manager.QueueItem{DownloadID: p.DownloadID, EpisodeID: &episodeID}
		if err := s.reconcile.Reconcile(ctx, item); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]string{"status": "reconciled"}, nil

	case EventHealthIssue:
		return http.StatusOK, map[string]string{"status": "logged"}, nil

	default:
		return http.StatusOK, map[string]string{"status": "ignored"}, nil
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.client.CacheStats()
		uptime := time.Since(s.startedAt)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"service":        "reconcilearr",
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds": int(uptime.Seconds()),
			"uptime":         humanize.Time(s.startedAt),
			"cache": map[string]int{
				"size":    stats.Size,
				"active":  stats.Active,
				"expired": stats.Expired,
			},
		})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.client.CacheStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"webhook_events_by_type": s.eventCounts.snapshot(),
			"auth_failures":          s.authFailures.get(),
			"rate_limit_rejections":  s.rateLimited.get(),
			"cache_hits":             stats.Hits,
			"cache_misses":           stats.Misses,
			"scheduler_pending":      s.scheduler.Pending(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = goccyjson.NewEncoder(w).Encode(body)
}

// counter is a tiny concurrency-safe scalar, used for the few metrics not
// already owned by the manager client's cache or the engine's Stats.
type counter struct {
	v atomic.Int64
}

func (c *counter) add(n int64) { c.v.Add(n) }
func (c *counter) get() int64  { return c.v.Load() }

// eventCounters tallies webhook deliveries by event type; the server
// handles requests in parallel, so access is mutex-guarded.
type eventCounters struct {
	mu     sync.Mutex
	counts map[EventType]int64
}

func (e *eventCounters) add(t EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts == nil {
		e.counts = make(map[EventType]int64)
	}
	e.counts[t]++
}

func (e *eventCounters) snapshot() map[EventType]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[EventType]int64, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
