package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/kdimtricp/mediadex/internal/config"
	"github.com/kdimtricp/mediadex/internal/extractor"
	"github.com/kdimtricp/mediadex/internal/inference"
	"github.com/kdimtricp/mediadex/internal/mediasource"
	"github.com/kdimtricp/mediadex/internal/models"
	"github.com/kdimtricp/mediadex/internal/observability"
)

// State is the orchestrator's batch state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateProcessing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// MediaStore is the slice of the image repo the orchestrator needs.
type MediaStore interface {
	Upsert(ctx context.Context, rec *models.MediaRecord) error
	GetByID(ctx context.Context, id int64) (*models.MediaRecord, error)
	ListUnprocessed(ctx context.Context) ([]models.MediaRecord, error)
	UpdateResult(ctx context.Context, id int64, text string, label *string, confidence *float64, modelName *string) error
}

// FrameStore is the slice of the frame repo the orchestrator needs.
type FrameStore interface {
	Upsert(ctx context.Context, frame *models.VideoFrame) error
}

// FrameSampler extracts frames from a video at a fixed interval.
type FrameSampler interface {
	ExtractFrames(videoPath string, intervalMs int64) ([]extractor.Frame, error)
}

// SettingsProvider supplies the tunable pipeline settings per item so
// mid-batch settings changes take effect at the next item boundary.
type SettingsProvider interface {
	Snapshot() config.Snapshot
}

// ImageOpener decodes the bytes behind a source URI. Swappable in tests.
type ImageOpener func(uri string) (image.Image, error)

// ScanSession records one completed scan for the recent-scans surface.
type ScanSession struct {
	ID         string           `json:"id"`
	Kind       models.MediaKind `json:"-"`
	Mode       models.ScanMode  `json:"-"`
	StartedAt  time.Time        `json:"started_at"`
	ItemsFound int              `json:"items_found"`
}

// Snapshot is the orchestrator's externally visible state.
type Snapshot struct {
	State       State         `json:"-"`
	StateName   string        `json:"state"`
	Progress    Progress      `json:"progress"`
	LastError   string        `json:"last_error,omitempty"`
	RecentScans []ScanSession `json:"recent_scans,omitempty"`
}

type workItem struct {
	kind models.MediaKind

	// image items
	record models.MediaRecord

	// video items
	videoID     int64
	videoURI    string
	displayName string
}

func (w *workItem) name() string {
	if w.kind == models.KindVideo {
		return w.displayName
	}
	return w.record.DisplayName
}

// Orchestrator drives a bounded worklist of media through the inference
// adapter with cooperative pause/resume/stop. One processing loop is active
// at a time; Start while processing is a no-op. Pause and stop are observed
// only at item boundaries, so an in-flight inference call always completes
// and no partial item state is ever persisted.
type Orchestrator struct {
	media    MediaStore
	frames   FrameStore
	engine   inference.Engine
	sampler  FrameSampler
	source   mediasource.Source
	settings SettingsProvider
	metrics  *observability.Metrics
	log      *slog.Logger

	openImage ImageOpener
	runCtx    context.Context

	mu        sync.Mutex
	state     State
	worklist  []workItem
	cursor    int
	progress  Progress
	lastError string
	sessions  []ScanSession

	pauseFlag atomic.Bool
	stopFlag  atomic.Bool

	broadcaster *Broadcaster
	wg          sync.WaitGroup
}

func NewOrchestrator(
	media MediaStore,
	frames FrameStore,
	engine inference.Engine,
	sampler FrameSampler,
	source mediasource.Source,
	settings SettingsProvider,
	metrics *observability.Metrics,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		media:       media,
		frames:      frames,
		engine:      engine,
		sampler:     sampler,
		source:      source,
		settings:    settings,
		metrics:     metrics,
		log:         log,
		openImage:   defaultOpenImage,
		runCtx:      context.Background(),
		broadcaster: NewBroadcaster(),
	}
}

func defaultOpenImage(uri string) (image.Image, error) {
	img, err := imaging.Open(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", inference.ErrDecode, uri, err)
	}
	return img, nil
}

// SetImageOpener overrides source decoding, for tests.
func (o *Orchestrator) SetImageOpener(open ImageOpener) {
	o.openImage = open
}

// SetRunContext sets the context the processing loop runs under, typically
// the process's signal-scoped context. A request context passed to Start
// only covers the synchronous worklist derivation; the loop itself must
// outlive the caller that started it.
func (o *Orchestrator) SetRunContext(ctx context.Context) {
	o.runCtx = ctx
}

// Subscribe returns a progress channel and its cancel func.
func (o *Orchestrator) Subscribe() (<-chan Progress, func()) {
	return o.broadcaster.Subscribe()
}

// Snapshot returns the current externally visible state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		State:     o.state,
		StateName: o.state.String(),
		Progress:  o.progress,
		LastError: o.lastError,
	}
	snap.RecentScans = append(snap.RecentScans, o.sessions...)
	return snap
}

// Start begins or resumes processing. With no cached worklist it re-derives
// one from the currently unprocessed image records; with a retained worklist
// (after pause) it resumes at the saved cursor. A Start while a loop is
// already running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateProcessing || o.state == StateScanning {
		o.mu.Unlock()
		return nil
	}

	if len(o.worklist) == 0 {
		records, err := o.media.ListUnprocessed(ctx)
		if err != nil {
			o.lastError = err.Error()
			o.mu.Unlock()
			return fmt.Errorf("failed to derive worklist: %w", err)
		}
		for _, rec := range records {
			o.worklist = append(o.worklist, workItem{kind: models.KindImage, record: rec})
		}
		o.cursor = 0
	}

	if len(o.worklist) == 0 {
		o.resetLocked()
		o.mu.Unlock()
		return nil
	}

	o.state = StateProcessing
	o.pauseFlag.Store(false)
	o.stopFlag.Store(false)
	o.metrics.BatchState.Set(float64(StateProcessing))
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(o.runCtx)
	return nil
}

// Pause suspends processing after the current item completes. The worklist
// and cursor are retained for Resume.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateProcessing {
		o.pauseFlag.Store(true)
	}
}

// Resume continues a paused batch.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.Start(ctx)
}

// Stop cancels the batch: the cursor resets, the worklist is cleared and
// progress zeroes. An in-flight inference call completes but its result is
// not persisted. During a scan the reset is deferred to the scan's
// completion path so the snapshot never reports idle mid-enumeration.
func (o *Orchestrator) Stop() {
	o.stopFlag.Store(true)

	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateProcessing, StateScanning:
		// An active loop observes the flag and resets on its own path.
	default:
		o.resetLocked()
	}
}

// Wait blocks until any active processing loop has exited. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		if o.stopFlag.Load() || ctx.Err() != nil {
			o.resetLocked()
			o.mu.Unlock()
			return
		}
		if o.cursor >= len(o.worklist) {
			o.resetLocked()
			o.mu.Unlock()
			return
		}
		if o.pauseFlag.Load() {
			o.state = StatePaused
			o.metrics.BatchState.Set(float64(StatePaused))
			o.mu.Unlock()
			return
		}

		item := o.worklist[o.cursor]
		current := o.cursor + 1
		total := len(o.worklist)
		o.metrics.WorklistSize.Set(float64(total - o.cursor))
		o.mu.Unlock()

		o.publishProgress(Progress{
			Current:     current,
			Total:       total,
			CurrentItem: item.name(),
			Kind:        item.kind,
		})

		switch item.kind {
		case models.KindVideo:
			o.processVideoItem(ctx, &item)
		default:
			o.processImageItem(ctx, &item)
		}

		o.mu.Lock()
		o.cursor++
		o.mu.Unlock()
	}
}

// processImageItem runs one record through the adapter and persists the
// result. Failures never abort the batch: decode and inference errors are
// recorded on the item as an error marker and the loop moves on.
func (o *Orchestrator) processImageItem(ctx context.Context, item *workItem) {
	rec := item.record
	modelName := o.settings.Snapshot().SelectedModel

	img, err := o.openImage(rec.SourceURI)
	if err != nil {
		o.recordImageFailure(ctx, rec.ID, err, nil)
		return
	}

	result, err := o.engine.Process(ctx, img, modelName)
	if o.stopFlag.Load() {
		// Stop was requested while the call was in flight; drop the result
		// so no write lands after the reset.
		return
	}
	if err != nil {
		o.recordImageFailure(ctx, rec.ID, err, &result)
		return
	}

	if err := o.media.UpdateResult(ctx, rec.ID, result.ExtractedText, result.Label, result.Confidence, result.ModelName); err != nil {
		o.log.Error("failed to persist result", "id", rec.ID, "error", err)
		return
	}
	o.metrics.ItemsProcessed.WithLabelValues(models.KindImage.String()).Inc()
}

func (o *Orchestrator) recordImageFailure(ctx context.Context, id int64, cause error, partial *inference.Result) {
	o.log.Warn("item processing failed", "id", id, "error", cause)
	o.metrics.ItemFailures.WithLabelValues(models.KindImage.String()).Inc()

	marker := "Error: " + cause.Error()
	var label *string
	var confidence *float64
	var modelName *string
	if partial != nil {
		label = partial.Label
		confidence = partial.Confidence
		modelName = partial.ModelName
	}
	if err := o.media.UpdateResult(ctx, id, marker, label, confidence, modelName); err != nil {
		o.log.Error("failed to persist error marker", "id", id, "error", err)
	}
}

// processVideoItem extracts frames at the configured interval and runs the
// per-frame inference pass. The frame loop is a nested unit: pause is not
// observed inside it, only stop, so pausing during a long video takes effect
// at the next video boundary.
func (o *Orchestrator) processVideoItem(ctx context.Context, item *workItem) {
	snap := o.settings.Snapshot()
	intervalMs := int64(snap.FrameInterval * 1000)
	if intervalMs <= 0 {
		intervalMs = 1000
	}

	frames, err := o.sampler.ExtractFrames(item.videoURI, intervalMs)
	if err != nil {
		o.log.Warn("video processing failed", "video", item.videoURI, "error", err)
		o.metrics.ItemFailures.WithLabelValues(models.KindVideo.String()).Inc()
		return
	}

	now := time.Now().Unix()
	for _, frame := range frames {
		if o.stopFlag.Load() || ctx.Err() != nil {
			return
		}

		vf := models.VideoFrame{
			ID:          frameID(item.videoURI, frame.TimestampMs),
			VideoID:     item.videoID,
			FrameURI:    frame.URI,
			TimestampMs: frame.TimestampMs,
			DateAdded:   now,
		}

		result, err := o.engine.Process(ctx, frame.Image, snap.SelectedModel)
		if o.stopFlag.Load() {
			return
		}
		if err != nil {
			marker := "Error: " + err.Error()
			vf.ExtractedText = &marker
			o.metrics.ItemFailures.WithLabelValues(models.KindVideo.String()).Inc()
		} else {
			vf.ExtractedText = &result.ExtractedText
			vf.Label = result.Label
			vf.Confidence = result.Confidence
			vf.ModelName = result.ModelName
		}

		if err := o.frames.Upsert(ctx, &vf); err != nil {
			o.log.Error("failed to persist frame", "id", vf.ID, "error", err)
			continue
		}
		o.metrics.FramesIndexed.Inc()
	}

	o.metrics.ItemsProcessed.WithLabelValues(models.KindVideo.String()).Inc()
}

// Scan enumerates the media source and registers unprocessed records, then
// returns to idle without starting inference. Already known image ids are
// left untouched so a re-scan never clobbers processed results. For videos
// the worklist is primed directly from the enumeration; frames only exist
// once the videos are processed.
func (o *Orchestrator) Scan(ctx context.Context, kind models.MediaKind) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("scan rejected: pipeline is %s", o.state)
	}
	o.state = StateScanning
	o.metrics.BatchState.Set(float64(StateScanning))
	o.mu.Unlock()

	o.metrics.ScansStarted.Inc()
	session := ScanSession{
		ID:        uuid.New().String(),
		Kind:      kind,
		Mode:      o.settings.Snapshot().ScanMode,
		StartedAt: time.Now(),
	}

	var scanErr error
	switch kind {
	case models.KindVideo:
		scanErr = o.scanVideos(ctx, &session)
	default:
		scanErr = o.scanImages(ctx, &session)
	}

	o.mu.Lock()
	o.state = StateIdle
	o.metrics.BatchState.Set(float64(StateIdle))
	if scanErr != nil {
		o.lastError = scanErr.Error()
	} else {
		o.lastError = ""
		o.sessions = append([]ScanSession{session}, o.sessions...)
		if len(o.sessions) > 20 {
			o.sessions = o.sessions[:20]
		}
	}
	if o.stopFlag.Load() {
		// Stop arrived mid-scan; the reset was deferred to here.
		o.resetLocked()
	}
	o.mu.Unlock()

	if scanErr != nil {
		return fmt.Errorf("scan failed: %w", scanErr)
	}
	o.log.Info("scan completed", "kind", kind.String(), "items", session.ItemsFound)
	return nil
}

func (o *Orchestrator) scanImages(ctx context.Context, session *ScanSession) error {
	items, err := o.source.Images(ctx)
	if err != nil {
		return err
	}

	for i := range items {
		item := &items[i]
		existing, err := o.media.GetByID(ctx, item.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		rec := models.MediaRecord{
			ID:          item.ID,
			SourceURI:   item.URI,
			DisplayName: item.DisplayName,
			DateAdded:   item.DateAdded,
		}
		if err := o.media.Upsert(ctx, &rec); err != nil {
			return err
		}
		session.ItemsFound++
	}
	return nil
}

func (o *Orchestrator) scanVideos(ctx context.Context, session *ScanSession) error {
	items, err := o.source.Videos(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.worklist = o.worklist[:0]
	o.cursor = 0
	for i := range items {
		o.worklist = append(o.worklist, workItem{
			kind:        models.KindVideo,
			videoID:     items[i].ID,
			videoURI:    items[i].URI,
			displayName: items[i].DisplayName,
		})
	}
	session.ItemsFound = len(items)
	o.mu.Unlock()
	return nil
}

// ProcessSelected inserts user-picked items as fresh records with
// synthesized ids (monotonic clock plus index, unique within the batch) and
// primes the worklist with exactly that selection, then starts processing.
func (o *Orchestrator) ProcessSelected(ctx context.Context, uris []string, kind models.MediaKind) error {
	if len(uris) == 0 {
		return nil
	}

	o.mu.Lock()
	if o.state == StateProcessing || o.state == StateScanning {
		o.mu.Unlock()
		return fmt.Errorf("selection rejected: pipeline is %s", o.state)
	}

	base := time.Now().UnixMilli()
	o.worklist = o.worklist[:0]
	o.cursor = 0

	var records []models.MediaRecord
	for i, uri := range uris {
		id := base + int64(i)
		if kind == models.KindVideo {
			o.worklist = append(o.worklist, workItem{
				kind:        models.KindVideo,
				videoID:     id,
				videoURI:    uri,
				displayName: path.Base(uri),
			})
			continue
		}
		rec := models.MediaRecord{
			ID:          id,
			SourceURI:   uri,
			DisplayName: path.Base(uri),
			DateAdded:   time.Now().Unix(),
		}
		records = append(records, rec)
		o.worklist = append(o.worklist, workItem{kind: models.KindImage, record: rec})
	}
	o.mu.Unlock()

	for i := range records {
		if err := o.media.Upsert(ctx, &records[i]); err != nil {
			return fmt.Errorf("failed to register selected item: %w", err)
		}
	}

	return o.Start(ctx)
}

func (o *Orchestrator) publishProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
	o.broadcaster.Publish(p)
}

// resetLocked clears the worklist, cursor and progress and returns the
// machine to idle. Callers hold o.mu.
func (o *Orchestrator) resetLocked() {
	o.state = StateIdle
	o.worklist = nil
	o.cursor = 0
	o.progress = Progress{}
	o.pauseFlag.Store(false)
	o.stopFlag.Store(false)
	o.metrics.BatchState.Set(float64(StateIdle))
	o.metrics.WorklistSize.Set(0)
	o.broadcaster.Publish(Progress{})
}

func frameID(videoURI string, timestampMs int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", videoURI, timestampMs)
	id := int64(h.Sum64() & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}
