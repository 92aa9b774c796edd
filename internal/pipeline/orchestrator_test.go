package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/mediadex/internal/config"
	"github.com/kdimtricp/mediadex/internal/extractor"
	"github.com/kdimtricp/mediadex/internal/inference"
	"github.com/kdimtricp/mediadex/internal/mediasource"
	"github.com/kdimtricp/mediadex/internal/models"
	"github.com/kdimtricp/mediadex/internal/observability"
)

// taggedImage carries the source uri through the engine so fakes can tell
// items apart.
type taggedImage struct {
	image.Image
	uri string
}

func openTagged(uri string) (image.Image, error) {
	return taggedImage{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), uri: uri}, nil
}

type fakeMediaStore struct {
	mu   sync.Mutex
	recs map[int64]models.MediaRecord
}

func newFakeMediaStore() *fakeMediaStore {
	return &fakeMediaStore{recs: make(map[int64]models.MediaRecord)}
}

func (s *fakeMediaStore) Upsert(_ context.Context, rec *models.MediaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = *rec
	return nil
}

func (s *fakeMediaStore) GetByID(_ context.Context, id int64) (*models.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeMediaStore) ListUnprocessed(_ context.Context) ([]models.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MediaRecord
	for _, rec := range s.recs {
		if !rec.Processed() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeMediaStore) UpdateResult(_ context.Context, id int64, text string, label *string, confidence *float64, modelName *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return fmt.Errorf("no record %d", id)
	}
	rec.ExtractedText = &text
	rec.Label = label
	rec.Confidence = confidence
	rec.ModelName = modelName
	s.recs[id] = rec
	return nil
}

func (s *fakeMediaStore) get(id int64) models.MediaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id]
}

func (s *fakeMediaStore) processedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.Processed() {
			n++
		}
	}
	return n
}

type fakeFrameStore struct {
	mu     sync.Mutex
	frames map[int64]models.VideoFrame
}

func newFakeFrameStore() *fakeFrameStore {
	return &fakeFrameStore{frames: make(map[int64]models.VideoFrame)}
}

func (s *fakeFrameStore) Upsert(_ context.Context, frame *models.VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[frame.ID] = *frame
	return nil
}

func (s *fakeFrameStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// fakeEngine optionally blocks each Process call on a gate channel so tests
// can control exactly when an item is in flight.
type fakeEngine struct {
	entered chan struct{}
	gate    chan struct{}
	failURI string
	calls   atomic.Int32
}

func (e *fakeEngine) Process(_ context.Context, img image.Image, modelName string) (inference.Result, error) {
	e.calls.Add(1)
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}

	uri := ""
	if tagged, ok := img.(taggedImage); ok {
		uri = tagged.uri
	}
	if e.failURI != "" && uri == e.failURI {
		return inference.Result{}, fmt.Errorf("%w: nothing recognized in %s", inference.ErrInference, uri)
	}

	text := "text from " + uri
	label := "poster"
	confidence := 0.9
	return inference.Result{
		ExtractedText: text,
		Label:         &label,
		Confidence:    &confidence,
		ModelName:     &modelName,
	}, nil
}

type fakeSampler struct {
	frames []extractor.Frame
	err    error
}

func (s *fakeSampler) ExtractFrames(string, int64) ([]extractor.Frame, error) {
	return s.frames, s.err
}

type fakeSource struct {
	images []mediasource.Item
	videos []mediasource.Item
	err    error
}

func (s *fakeSource) Images(context.Context) ([]mediasource.Item, error) { return s.images, s.err }
func (s *fakeSource) Videos(context.Context) ([]mediasource.Item, error) { return s.videos, s.err }

// blockingSource holds enumeration open on a gate channel so tests can act
// while a scan is in flight.
type blockingSource struct {
	entered chan struct{}
	gate    chan struct{}
	images  []mediasource.Item
}

func (s *blockingSource) Images(context.Context) ([]mediasource.Item, error) {
	s.entered <- struct{}{}
	<-s.gate
	return s.images, nil
}

func (s *blockingSource) Videos(context.Context) ([]mediasource.Item, error) { return nil, nil }

type fakeSettings struct{}

func (fakeSettings) Snapshot() config.Snapshot {
	return config.Snapshot{
		ScanMode:      models.ScanMultiple,
		FrameInterval: 1.0,
		SelectedModel: "mobilenet_v1",
	}
}

func newTestOrchestrator(store MediaStore, frames FrameStore, engine inference.Engine, sampler FrameSampler, source mediasource.Source) *Orchestrator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := NewOrchestrator(store, frames, engine, sampler, source, fakeSettings{}, observability.Nop(), log)
	o.SetImageOpener(openTagged)
	return o
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	waitFor(t, func() bool { return o.Snapshot().State == want },
		fmt.Sprintf("state %s", want))
}

func seedUnprocessed(t *testing.T, store *fakeMediaStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		rec := models.MediaRecord{
			ID:          int64(i),
			SourceURI:   fmt.Sprintf("/photos/%d.jpg", i),
			DisplayName: fmt.Sprintf("%d.jpg", i),
			DateAdded:   int64(i),
		}
		require.NoError(t, store.Upsert(context.Background(), &rec))
	}
}

func TestOrchestrator_ProcessesWholeWorklist(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 3)

	updates, cancel := o.Subscribe()
	defer cancel()

	require.NoError(t, o.Start(context.Background()))
	waitFor(t, func() bool { return store.processedCount() == 3 }, "all items processed")
	waitState(t, o, StateIdle)
	o.Wait()

	assert.Equal(t, int32(3), engine.calls.Load())
	rec := store.get(2)
	require.NotNil(t, rec.ExtractedText)
	assert.Equal(t, "text from /photos/2.jpg", *rec.ExtractedText)
	assert.Equal(t, "poster", *rec.Label)

	// Progress walked 1/3..3/3 and then zeroed when the batch finished.
	var seen []Progress
	for {
		var done bool
		select {
		case p := <-updates:
			seen = append(seen, p)
			done = p.Current == 0 && p.Total == 0
		case <-time.After(time.Second):
			t.Fatal("progress stream never settled")
		}
		if done {
			break
		}
	}
	require.Len(t, seen, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, seen[i].Current)
		assert.Equal(t, 3, seen[i].Total)
	}
}

func TestOrchestrator_StartWithEmptyWorklistIsNoop(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	assert.Equal(t, StateIdle, o.Snapshot().State)
	assert.Equal(t, int32(0), engine.calls.Load())
}

func TestOrchestrator_PauseResumeProcessesEachItemOnce(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 3)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	// Pause while item 1 is in flight; it must still complete and persist.
	<-engine.entered
	o.Pause()
	engine.gate <- struct{}{}

	waitState(t, o, StatePaused)
	assert.Equal(t, 1, store.processedCount())
	assert.True(t, store.get(1).Processed())
	assert.False(t, store.get(2).Processed())

	snap := o.Snapshot()
	assert.Equal(t, 1, snap.Progress.Current)
	assert.Equal(t, 3, snap.Progress.Total)

	// Resume picks up at item 2; nothing is reprocessed.
	require.NoError(t, o.Resume(ctx))
	for i := 0; i < 2; i++ {
		<-engine.entered
		engine.gate <- struct{}{}
	}

	waitFor(t, func() bool { return store.processedCount() == 3 }, "remaining items processed")
	waitState(t, o, StateIdle)
	o.Wait()
	assert.Equal(t, int32(3), engine.calls.Load())
}

func TestOrchestrator_BatchOutlivesStartCaller(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 3)

	// Start with a short-lived context the way an HTTP handler would, and
	// cancel it while item 1 is in flight. The batch must keep going.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))

	<-engine.entered
	cancel()
	engine.gate <- struct{}{}
	for i := 0; i < 2; i++ {
		<-engine.entered
		engine.gate <- struct{}{}
	}

	waitFor(t, func() bool { return store.processedCount() == 3 }, "all items processed after caller cancelled")
	waitState(t, o, StateIdle)
	o.Wait()
	assert.Equal(t, int32(3), engine.calls.Load())
}

func TestOrchestrator_RunContextCancellationAbortsBatch(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 3)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	o.SetRunContext(runCtx)

	require.NoError(t, o.Start(context.Background()))
	<-engine.entered
	cancelRun()
	engine.gate <- struct{}{}

	waitState(t, o, StateIdle)
	o.Wait()

	// Item 1 finished before the cancellation was observed; the rest of the
	// worklist was abandoned at the next item boundary.
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Equal(t, 1, store.processedCount())
}

func TestOrchestrator_StopDropsInFlightResult(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 2)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	<-engine.entered
	o.Stop()
	engine.gate <- struct{}{}

	waitState(t, o, StateIdle)
	o.Wait()

	// The in-flight call finished but its result was discarded.
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Equal(t, 0, store.processedCount())

	snap := o.Snapshot()
	assert.Equal(t, 0, snap.Progress.Current)
	assert.Equal(t, 0, snap.Progress.Total)

	// A fresh start re-derives the worklist from what is still unprocessed.
	require.NoError(t, o.Start(ctx))
	for i := 0; i < 2; i++ {
		<-engine.entered
		engine.gate <- struct{}{}
	}
	waitFor(t, func() bool { return store.processedCount() == 2 }, "items processed after restart")
	waitState(t, o, StateIdle)
	o.Wait()
}

func TestOrchestrator_ItemFailureDoesNotAbortBatch(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{failURI: "/photos/2.jpg"}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 3)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateIdle)
	o.Wait()

	assert.Equal(t, int32(3), engine.calls.Load())
	assert.True(t, store.get(1).Processed())
	assert.True(t, store.get(3).Processed())

	failed := store.get(2)
	require.NotNil(t, failed.ExtractedText)
	assert.Contains(t, *failed.ExtractedText, "Error:")
}

func TestOrchestrator_ScanRegistersNewImagesOnly(t *testing.T) {
	store := newFakeMediaStore()
	source := &fakeSource{images: []mediasource.Item{
		{ID: 1, URI: "/photos/a.jpg", DisplayName: "a.jpg", DateAdded: 10},
		{ID: 2, URI: "/photos/b.jpg", DisplayName: "b.jpg", DateAdded: 20},
	}}
	o := newTestOrchestrator(store, newFakeFrameStore(), &fakeEngine{}, &fakeSampler{}, source)

	ctx := context.Background()
	require.NoError(t, o.Scan(ctx, models.KindImage))

	snap := o.Snapshot()
	require.Len(t, snap.RecentScans, 1)
	assert.Equal(t, 2, snap.RecentScans[0].ItemsFound)

	// Record 1 gets processed out of band; a re-scan must not clobber it.
	require.NoError(t, store.UpdateResult(ctx, 1, "done", nil, nil, nil))
	require.NoError(t, o.Scan(ctx, models.KindImage))

	snap = o.Snapshot()
	require.Len(t, snap.RecentScans, 2)
	assert.Equal(t, 0, snap.RecentScans[0].ItemsFound)
	assert.Equal(t, "done", *store.get(1).ExtractedText)
}

func TestOrchestrator_ScanRejectedWhileProcessing(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
	seedUnprocessed(t, store, 1)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	<-engine.entered

	err := o.Scan(ctx, models.KindImage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing")

	engine.gate <- struct{}{}
	waitState(t, o, StateIdle)
	o.Wait()
}

func TestOrchestrator_StopDuringScanDefersReset(t *testing.T) {
	store := newFakeMediaStore()
	source := &blockingSource{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
		images: []mediasource.Item{
			{ID: 1, URI: "/photos/a.jpg", DisplayName: "a.jpg", DateAdded: 10},
		},
	}
	o := newTestOrchestrator(store, newFakeFrameStore(), &fakeEngine{}, &fakeSampler{}, source)

	ctx := context.Background()
	scanDone := make(chan error, 1)
	go func() { scanDone <- o.Scan(ctx, models.KindImage) }()

	<-source.entered
	o.Stop()

	// The machine still reports scanning, so a competing scan is rejected
	// instead of running alongside the first one.
	assert.Equal(t, StateScanning, o.Snapshot().State)
	err := o.Scan(ctx, models.KindImage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning")

	source.gate <- struct{}{}
	require.NoError(t, <-scanDone)
	waitState(t, o, StateIdle)

	snap := o.Snapshot()
	assert.Equal(t, 0, snap.Progress.Current)
	assert.Equal(t, 0, snap.Progress.Total)
}

func TestOrchestrator_PauseBoundaries(t *testing.T) {
	const total = 3

	t.Run("pause while idle is a no-op", func(t *testing.T) {
		store := newFakeMediaStore()
		engine := &fakeEngine{}
		o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
		seedUnprocessed(t, store, total)

		o.Pause()
		assert.Equal(t, StateIdle, o.Snapshot().State)

		require.NoError(t, o.Start(context.Background()))
		waitFor(t, func() bool { return store.processedCount() == total }, "all items processed")
		waitState(t, o, StateIdle)
		o.Wait()
		assert.Equal(t, int32(total), engine.calls.Load())
	})

	for pauseAt := 1; pauseAt <= total; pauseAt++ {
		t.Run(fmt.Sprintf("pause while item %d is in flight", pauseAt), func(t *testing.T) {
			store := newFakeMediaStore()
			engine := &fakeEngine{
				entered: make(chan struct{}, 8),
				gate:    make(chan struct{}),
			}
			o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})
			seedUnprocessed(t, store, total)

			ctx := context.Background()
			require.NoError(t, o.Start(ctx))

			for i := 1; i < pauseAt; i++ {
				<-engine.entered
				engine.gate <- struct{}{}
			}
			<-engine.entered
			o.Pause()
			engine.gate <- struct{}{}

			if pauseAt < total {
				// The in-flight item completed and counted exactly once.
				waitState(t, o, StatePaused)
				assert.Equal(t, pauseAt, store.processedCount())

				require.NoError(t, o.Resume(ctx))
				for i := pauseAt; i < total; i++ {
					<-engine.entered
					engine.gate <- struct{}{}
				}
			}

			// Pausing during the last item finds an exhausted worklist and
			// finishes the batch instead of parking it.
			waitFor(t, func() bool { return store.processedCount() == total }, "all items processed")
			waitState(t, o, StateIdle)
			o.Wait()
			assert.Equal(t, int32(total), engine.calls.Load())
		})
	}
}

func TestOrchestrator_VideoScanAndProcessPersistsFrames(t *testing.T) {
	store := newFakeMediaStore()
	frames := newFakeFrameStore()
	sampler := &fakeSampler{frames: []extractor.Frame{
		{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), URI: "/tmp/f0.jpg", TimestampMs: 0},
		{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), URI: "/tmp/f1.jpg", TimestampMs: 1000},
	}}
	source := &fakeSource{videos: []mediasource.Item{
		{ID: 100, URI: "/videos/clip.mp4", DisplayName: "clip.mp4", DateAdded: 10},
	}}
	o := newTestOrchestrator(store, frames, &fakeEngine{}, sampler, source)

	ctx := context.Background()
	require.NoError(t, o.Scan(ctx, models.KindVideo))
	require.NoError(t, o.Start(ctx))
	waitFor(t, func() bool { return frames.count() == 2 }, "frames persisted")
	waitState(t, o, StateIdle)
	o.Wait()

	// Frame ids derive from the video uri and timestamp, so reprocessing the
	// same video replaces rather than duplicates.
	require.NoError(t, o.Scan(ctx, models.KindVideo))
	require.NoError(t, o.Start(ctx))
	waitState(t, o, StateIdle)
	o.Wait()
	assert.Equal(t, 2, frames.count())

	frames.mu.Lock()
	vf, ok := frames.frames[frameID("/videos/clip.mp4", 1000)]
	frames.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, int64(100), vf.VideoID)
	assert.Equal(t, int64(1000), vf.TimestampMs)
	require.NotNil(t, vf.ExtractedText)
}

func TestOrchestrator_ProcessSelected(t *testing.T) {
	store := newFakeMediaStore()
	engine := &fakeEngine{}
	o := newTestOrchestrator(store, newFakeFrameStore(), engine, &fakeSampler{}, &fakeSource{})

	uris := []string{"/picked/one.jpg", "/picked/two.jpg"}
	require.NoError(t, o.ProcessSelected(context.Background(), uris, models.KindImage))
	waitFor(t, func() bool { return store.processedCount() == 2 }, "selection processed")
	waitState(t, o, StateIdle)
	o.Wait()

	assert.Equal(t, int32(2), engine.calls.Load())

	unprocessed, err := store.ListUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestOrchestrator_ProcessSelectedEmptyIsNoop(t *testing.T) {
	o := newTestOrchestrator(newFakeMediaStore(), newFakeFrameStore(), &fakeEngine{}, &fakeSampler{}, &fakeSource{})
	require.NoError(t, o.ProcessSelected(context.Background(), nil, models.KindImage))
	assert.Equal(t, StateIdle, o.Snapshot().State)
}
