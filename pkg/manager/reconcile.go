package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kasuboski/reconcilearr/pkg/cache"
	"github.com/kasuboski/reconcilearr/pkg/logger"
	"github.com/kasuboski/reconcilearr/pkg/metrics"
	"github.com/kasuboski/reconcilearr/pkg/transport"
)

// actedTTL bounds how long a (episode_id, download_id, decision_kind)
// tuple suppresses a repeat action, per §4.4's idempotence rule.
const actedTTL = 10 * time.Minute

// grabLookback bounds how far back MostRecentGrab's fallback branch will
// reach for a grab event that doesn't match the queue item's download id.
const grabLookback = 24 * time.Hour

// stuckMessages are status_messages substrings that mark a queue item as
// a stuck-import candidate even when tracked_state looks unremarkable.
var stuckMessages = []string{
	"manual import required",
	"no files found",
}

// stuckStates are tracked_state values that always qualify a queue item
// as a reconcile candidate.
var stuckStates = map[TrackedDownloadState]bool{
	StateImportPending:  true,
	StateImportBlocked:  true,
	StateDownloadFailed: true,
	StateImportFailed:   true,
}

// EngineConfig configures the reconciliation engine's policy knobs.
type EngineConfig struct {
	Interval          time.Duration
	ForceImportThresh int
	PrivateTrackers   []string
	PublicTrackers    []string
	DryRun            bool
}

// Stats is a point-in-time snapshot of the engine's running counters,
// read through Engine.Stats. The webhook receiver's JSON /metrics
// snapshot does not include them; scans and decisions are also counted
// by the Prometheus counters in pkg/metrics.
type Stats struct {
	Cycles        uint64
	ItemsScanned  uint64
	ForcedImports uint64
	Removals      uint64
	Keeps         uint64
	NoActions     uint64
	Errors        uint64
}

// Engine is the Reconciliation Engine (Monitor): it scans the manager's
// queue on an interval and services on-demand reconcile requests from the
// webhook receiver, funneling both through the single reconcile routine
// that is allowed to mutate the manager.
type Engine struct {
	client    Client
	scheduler *Scheduler
	cfg       EngineConfig
	acted     *cache.Cache[struct{}]
	locks     keyedMutex

	cycles, itemsScanned                          atomic.Uint64
	forcedImports, removals, keeps, noActions, errs atomic.Uint64
}

// NewEngine builds an Engine around a manager Client and the scheduler it
// shares with the webhook receiver.
func NewEngine(client Client, scheduler *Scheduler, cfg EngineConfig) *Engine {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ForceImportThresh == 0 {
		cfg.ForceImportThresh = DefaultThreshold
	}

	return &Engine{
		client:    client,
		scheduler: scheduler,
		cfg:       cfg,
		acted:     cache.New[struct{}](),
		locks:     newKeyedMutex(),
	}
}

// Stats returns a snapshot of the engine's running counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:        e.cycles.Load(),
		ItemsScanned:  e.itemsScanned.Load(),
		ForcedImports: e.forcedImports.Load(),
		Removals:      e.removals.Load(),
		Keeps:         e.keeps.Load(),
		NoActions:     e.noActions.Load(),
		Errors:        e.errs.Load(),
	}
}

// Serve runs the periodic scan loop until ctx is cancelled, matching
// thejerf/suture's Service interface so the engine can be supervised
// alongside the webhook server and scheduler.
func (e *Engine) Serve(ctx context.Context) error {
	log := logger.FromCtx(ctx)
	log.Info("reconciliation engine started")

	go e.acted.RunSweeper(ctx, cache.DefaultSweepInterval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			log.Info("reconciliation engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Scan(ctx)
			tick++
			if tick%2 == 0 {
				e.sweepRepeatedGrabs(ctx)
			}
		}
	}
}

// Scan fetches the queue snapshot, selects candidates, and reconciles
// each one sequentially. One item's failure never aborts the scan, except
// an Unauthorized response, which aborts this scan but not the loop.
func (e *Engine) Scan(ctx context.Context) {
	log := logger.FromCtx(ctx)
	e.cycles.Add(1)
	metrics.QueueScans.Inc()

	items, err := e.client.Queue(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			log.Errorw("aborting scan: manager rejected API key", zap.Error(err))
			return
		}
		log.Warnw("failed to fetch queue; deferring to next scan", zap.Error(err))
		return
	}

	candidates := selectCandidates(items)
	e.itemsScanned.Add(uint64(len(candidates)))
	metrics.ItemsProcessed.Add(float64(len(candidates)))
	log.Debugw("selected reconcile candidates", "candidates", len(candidates), "queue_size", len(items))

	for _, item := range candidates {
		if e.reconcileSafely(ctx, item) {
			return
		}
	}
}

// reconcileSafely recovers a panic from a single item's reconcile so the
// scan loop survives it, per §4.4's failure semantics. It reports whether
// the manager rejected the API key, so the caller can abort its pass.
func (e *Engine) reconcileSafely(ctx context.Context, item QueueItem) (unauthorized bool) {
	log := logger.FromCtx(ctx)
	defer func() {
		if r := recover(); r != nil {
			e.errs.Add(1)
			metrics.ReconcileErrors.Inc()
			log.Errorw("panic during reconcile; continuing scan", "download_id", item.DownloadID, "panic", r)
		}
	}()

	if err := e.Reconcile(ctx, item); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			log.Errorw("aborting scan: manager rejected API key mid-scan", zap.Error(err))
			return true
		}
		e.errs.Add(1)
		metrics.ReconcileErrors.Inc()
		log.Warnw("reconcile failed", "download_id", item.DownloadID, "error", err)
	}
	return false
}

// selectCandidates filters the queue for items whose tracked_state or
// status_messages mark them as stuck.
func selectCandidates(items []QueueItem) []QueueItem {
	var out []QueueItem
	for _, item := range items {
		if stuckStates[item.TrackedDownloadState] {
			out = append(out, item)
			continue
		}
		if hasStuckMessage(item.StatusMessages) {
			out = append(out, item)
		}
	}
	return out
}

func hasStuckMessage(messages []StatusMessage) bool {
	for _, sm := range messages {
		for _, line := range sm.Messages {
			lower := strings.ToLower(line)
			for _, marker := range stuckMessages {
				if strings.Contains(lower, marker) {
					return true
				}
			}
		}
	}
	return false
}

// Reconcile runs the deterministic seven-step decision flow for one queue
// item: classify tracker, fetch history, extract the relevant grab,
// fetch the current file, analyze, execute, and respect dry-run. It is
// the single place mutating actions happen, reached from both the
// periodic scan and the webhook receiver's on-demand triggers.
func (e *Engine) Reconcile(ctx context.Context, item QueueItem) error {
	ctx, span := transport.StartSpan(ctx, "reconcile")
	defer span.End()

	unlock := e.locks.lock(item.DownloadID)
	defer unlock()

	log := logger.FromCtx(ctx).With("download_id", item.DownloadID)
	if item.EpisodeID == nil {
		log.Debug("queue item has no episode id, skipping")
		return nil
	}
	episodeID := *item.EpisodeID

	cls := ClassifyTracker(item.Indexer, e.cfg.PrivateTrackers, e.cfg.PublicTrackers)

	history, err := e.client.HistoryForEpisode(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("fetch history for episode %d: %w", episodeID, err)
	}

	since := func(h HistoryEvent) bool { return time.Since(h.Date) <= grabLookback }
	grab, found := MostRecentGrab(history, item.DownloadID, since)
	if !found {
		log.Debug("no grab event found for item, skipping")
		return nil
	}

	currentFile, hasCurrent, err := e.client.EpisodeFile(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("fetch episode file for episode %d: %w", episodeID, err)
	}

	grabScore, err := e.scoreOf(ctx, grab)
	if err != nil {
		return fmt.Errorf("score grab event: %w", err)
	}
	currentScore, err := e.currentScoreOf(ctx, grab, currentFile)
	if err != nil {
		return fmt.Errorf("score current file: %w", err)
	}

	decision := Analyze(grabScore, currentScore, hasCurrent, e.cfg.ForceImportThresh, cls, grab.CustomFormats, currentFile.CustomFormats)
	log.Infow("decision reached",
		"kind", decision.Kind,
		"reason", decision.Reason,
		"indexer", DisplayIndexer(item.Indexer),
		"grab_score", grabScore,
		"current_score", currentScore,
		"has_current", hasCurrent,
		"missing_formats", decision.MissingFormats,
		"extra_formats", decision.ExtraFormats,
	)

	actedKey := actedOnKey(episodeID, item.DownloadID, decision.Kind)
	if _, cooling := e.acted.Get(actedKey); cooling {
		log.Debug("decision already acted on within cool-down window, skipping")
		return nil
	}

	if e.cfg.DryRun {
		log.Infow("dry-run: would have executed decision", "kind", decision.Kind)
		e.recordDecision(decision.Kind)
		return nil
	}

	if err := e.execute(ctx, item, grab, decision); err != nil {
		return fmt.Errorf("execute decision %s: %w", decision.Kind, err)
	}

	e.acted.Put(actedKey, struct{}{}, actedTTL)
	e.recordDecision(decision.Kind)
	return nil
}

func (e *Engine) recordDecision(kind DecisionKind) {
	metrics.DecisionsTotal.WithLabelValues(string(kind)).Inc()
	switch kind {
	case ForceImport:
		e.forcedImports.Add(1)
	case RemovePublic:
		e.removals.Add(1)
	case KeepPrivate:
		e.keeps.Add(1)
	case NoAction:
		e.noActions.Add(1)
	}
}

// scoreOf prefers a score the manager already reported on the event; if
// absent, it falls back to summing the series' quality profile scores
// for the event's custom formats, per §4.2's score computation fallback.
func (e *Engine) scoreOf(ctx context.Context, grab HistoryEvent) (int, error) {
	if grab.CustomFormatScore != nil {
		return *grab.CustomFormatScore, nil
	}
	return e.computeFormatScore(ctx, grab.Data, grab.CustomFormats)
}

// currentScoreOf mirrors scoreOf for the episode's already-imported file:
// the manager reports 0 for a file it never scored, indistinguishable from
// a file that genuinely scores 0, so a file with formats attached but no
// reported score is recomputed the same way a grab event is.
func (e *Engine) currentScoreOf(ctx context.Context, grab HistoryEvent, file EpisodeFile) (int, error) {
	if file.CustomFormatScore != 0 || len(file.CustomFormats) == 0 {
		return file.CustomFormatScore, nil
	}
	return e.computeFormatScore(ctx, grab.Data, file.CustomFormats)
}

// computeFormatScore sums a quality profile's scores for formatNames,
// resolving the profile from the series id carried on a history event's
// data payload.
func (e *Engine) computeFormatScore(ctx context.Context, eventData map[string]any, formatNames []string) (int, error) {
	catalog, err := e.client.CustomFormats(ctx)
	if err != nil {
		return 0, err
	}

	seriesID, ok := eventData["seriesId"].(float64)
	if !ok {
		return 0, nil
	}

	series, err := e.client.Series(ctx, int32(seriesID))
	if err != nil {
		return 0, err
	}

	profile, err := e.client.QualityProfile(ctx, series.QualityProfileID)
	if err != nil {
		return 0, err
	}

	return catalog.ScoreFor(profile, formatNames), nil
}

// execute performs the mutating action a decision calls for. Every
// mutating call is guarded by a mismatch check between the current
// queue-item snapshot's download_id and the grab event it was analyzed
// against, per the data-model invariant in §3.
func (e *Engine) execute(ctx context.Context, item QueueItem, grab HistoryEvent, decision Decision) error {
	if grab.DownloadID != "" && grab.DownloadID != item.DownloadID {
		return fmt.Errorf("grab event download_id %q does not match queue item %q", grab.DownloadID, item.DownloadID)
	}

	switch decision.Kind {
	case ForceImport:
		return e.forceImport(ctx, item, grab)
	case RemovePublic:
		return e.client.RemoveQueueItem(ctx, item.ID, true)
	case KeepPrivate, NoAction:
		return nil
	default:
		return fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
}

func (e *Engine) forceImport(ctx context.Context, item QueueItem, grab HistoryEvent) error {
	if item.EpisodeID == nil {
		return ErrMissingIdentifier
	}

	seriesID, _ := grab.Data["seriesId"].(float64)
	var qualityProfileID int32
	if seriesID != 0 {
		if series, err := e.client.Series(ctx, int32(seriesID)); err == nil {
			qualityProfileID = series.QualityProfileID
		}
	}

	return e.client.ManualImport(ctx, ManualImportRequest{
		DownloadID: item.DownloadID,
		Files: []ManualImportFile{{
			Path:             item.OutputPath,
			EpisodeIDs:       []int32{*item.EpisodeID},
			Quality:          item.Quality.Quality.Name,
			CustomFormats:    grab.CustomFormats,
			QualityProfileID: qualityProfileID,
		}},
	})
}

// sweepRepeatedGrabs lists history for every episode currently in the
// queue and looks for unimported grab loops; any episode found that way
// gets an extra reconcile pass outside normal candidate selection. This
// is extra recall, not a new decision path: Reconcile is still the only
// place a mutation happens.
func (e *Engine) sweepRepeatedGrabs(ctx context.Context) {
	log := logger.FromCtx(ctx)

	items, err := e.client.Queue(ctx)
	if err != nil {
		log.Debugw("repeated-grab sweep: failed to fetch queue, skipping", zap.Error(err))
		return
	}

	for _, item := range items {
		if item.EpisodeID == nil {
			continue
		}

		history, err := e.client.HistoryForEpisode(ctx, *item.EpisodeID)
		if err != nil {
			continue
		}

		unimported := DetectRepeatedGrabs(history)
		if len(unimported) == 0 {
			continue
		}

		log.Infow("repeated grabs detected without import; reconciling",
			"episode_id", *item.EpisodeID, "unimported_grabs", len(unimported))
		if e.reconcileSafely(ctx, item) {
			return
		}
	}
}

// HandleScheduledTask adapts Engine.Reconcile to the Scheduler's Handler
// signature: a fired task only carries a fingerprint, so this re-fetches
// the current queue snapshot and reconciles the matching item, skipping
// silently if the download has since left the queue.
func (e *Engine) HandleScheduledTask(ctx context.Context, task ReconciliationTask) {
	log := logger.FromCtx(ctx)

	items, err := e.client.Queue(ctx)
	if err != nil {
		log.Warnw("scheduled task: failed to fetch queue", "trigger", task.Trigger, "error", err)
		return
	}

	for _, item := range items {
		if item.DownloadID != task.Fingerprint.DownloadID {
			continue
		}
		if item.EpisodeID == nil || *item.EpisodeID != task.Fingerprint.EpisodeID {
			continue
		}
		e.reconcileSafely(ctx, item)
		return
	}

	log.Debugw("scheduled task: download no longer in queue, skipping", "download_id", task.Fingerprint.DownloadID)
}

func actedOnKey(episodeID int32, downloadID string, kind DecisionKind) string {
	return "acted/" + strconv.FormatInt(int64(episodeID), 10) + "/" + downloadID + "/" + string(kind)
}

// keyedMutex serializes concurrent access by an arbitrary string key
// (the queue item's download_id) without holding one global lock for the
// whole engine.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
