package recorder

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crowsnest/internal/logging"
	"crowsnest/internal/state"
	"crowsnest/internal/twitch"
)

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeAPI serves canned fresh status reads.
type fakeAPI struct {
	mu   sync.Mutex
	info map[string]twitch.ChannelInfo
	err  error
}

func (f *fakeAPI) GetChannelFresh(_ context.Context, id string) (twitch.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return twitch.ChannelInfo{}, f.err
	}
	return f.info[id], nil
}

func (f *fakeAPI) set(id string, info twitch.ChannelInfo) {
	f.mu.Lock()
	f.info[id] = info
	f.mu.Unlock()
}

// blockingExtractor hands out readers that block until closed.
type blockingExtractor struct{}

type blockingReader struct {
	done chan struct{}
	once sync.Once
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (blockingExtractor) Open(ctx context.Context, _ OpenOptions) (io.ReadCloser, error) {
	r := &blockingReader{done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		r.Close()
	}()
	return r, nil
}

// eofExtractor ends the stream immediately, as a finished broadcast does.
type eofExtractor struct{}

func (eofExtractor) Open(context.Context, OpenOptions) (io.ReadCloser, error) {
	return io.NopCloser(&eofReader{}), nil
}

type eofReader struct{}

func (*eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type statusRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *statusRecorder) record(login, status string) {
	r.mu.Lock()
	r.events = append(r.events, login+":"+status)
	r.mu.Unlock()
}

func (r *statusRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestPool(t *testing.T, ext Extractor) (*Pool, *state.Store, *fakeAPI, *statusRecorder) {
	t.Helper()
	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "roster.json"), filepath.Join(dir, "streams"), testLogger())
	api := &fakeAPI{info: make(map[string]twitch.ChannelInfo)}
	statuses := &statusRecorder{}
	pool := NewPool(Config{
		Store:     store,
		API:       api,
		Extractor: ext,
		Logger:    testLogger(),
		OnStatus:  statuses.record,
	})
	return pool, store, api, statuses
}

func seedChannel(t *testing.T, store *state.Store, login, id string, live bool) {
	t.Helper()
	if err := store.Upsert(login, state.Channel{ChannelID: id, IsLive: live, Title: "A broadcast", DownloadsEnabled: true}); err != nil {
		t.Fatal(err)
	}
}

func TestStartRecordingRequiresChannelID(t *testing.T) {
	pool, store, _, _ := newTestPool(t, blockingExtractor{})
	if err := store.Upsert("streamer", state.Channel{IsLive: true}); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	if err := pool.StartRecording(context.Background(), "streamer"); !errors.Is(err, ErrNoChannelID) {
		t.Fatalf("expected ErrNoChannelID, got %v", err)
	}
}

func TestStartRecordingRejectsOfflineChannel(t *testing.T) {
	pool, store, api, statuses := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)
	api.set("1", twitch.ChannelInfo{IsLive: false})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	if err := pool.StartRecording(context.Background(), "streamer"); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}

	// The stale live flag must be corrected.
	ch, _ := store.Get("streamer")
	if ch.IsLive {
		t.Fatalf("store still marks channel live")
	}
	if !statuses.has("streamer:stopped") {
		t.Fatalf("expected stopped status broadcast")
	}
}

func TestStartRecordingRejectsPlaceholderTitle(t *testing.T) {
	pool, store, api, statuses := newTestPool(t, blockingExtractor{})
	if err := store.Upsert("streamer", state.Channel{ChannelID: "1", Title: "Offline"}); err != nil {
		t.Fatal(err)
	}
	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "streamer's Stream"})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	if err := pool.StartRecording(context.Background(), "streamer"); !errors.Is(err, ErrNoTitle) {
		t.Fatalf("expected ErrNoTitle, got %v", err)
	}
	if !statuses.has("streamer:error") {
		t.Fatalf("expected error status broadcast")
	}
}

func TestStartRecordingFallsBackToStoredTitle(t *testing.T) {
	pool, store, api, _ := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	// Going live after the startup pass keeps the explicit start in
	// charge of the capture.
	api.set("1", twitch.ChannelInfo{IsLive: true, Title: ""})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatalf("start with stored title failed: %v", err)
	}
	if !pool.IsRecording("streamer") {
		t.Fatalf("expected active recording")
	}

	active := pool.Active()
	if len(active) != 1 || filepath.Base(active[0].Path) == "" {
		t.Fatalf("expected one active recording, got %+v", active)
	}
}

func TestStartRecordingRejectsDuplicate(t *testing.T) {
	pool, store, api, _ := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatal(err)
	}
	if err := pool.StartRecording(context.Background(), "streamer"); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
}

func TestManualStopImposesNoCooldown(t *testing.T) {
	pool, store, api, statuses := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatal(err)
	}
	if !pool.StopRecording("streamer") {
		t.Fatalf("expected stop to find the job")
	}
	if !statuses.has("streamer:stopped") {
		t.Fatalf("expected stopped status broadcast")
	}

	// Restart must not hit the cooldown that follows natural completion.
	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatalf("restart after manual stop failed: %v", err)
	}
}

func TestNaturalCompletionImposesCooldown(t *testing.T) {
	pool, store, api, statuses := newTestPool(t, eofExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.IsRecording("streamer") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.IsRecording("streamer") {
		t.Fatalf("worker did not finish")
	}

	deadline = time.Now().Add(time.Second)
	for !statuses.has("streamer:completed") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !statuses.has("streamer:completed") {
		t.Fatalf("expected completed status broadcast")
	}

	if err := pool.StartRecording(context.Background(), "streamer"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected ErrCooldown after natural completion, got %v", err)
	}
}

func TestReconcileStopsZombies(t *testing.T) {
	pool, store, api, _ := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatal(err)
	}

	store.Update("streamer", func(c *state.Channel) { c.IsLive = false })
	pool.Reconcile(context.Background())

	if pool.IsRecording("streamer") {
		t.Fatalf("reconcile left a zombie recording")
	}
	ch, _ := store.Get("streamer")
	if ch.DownloadStatus != StatusCompleted {
		t.Fatalf("expected completed status, got %q", ch.DownloadStatus)
	}
}

func TestSetEnabledFalseStopsRecording(t *testing.T) {
	pool, store, api, _ := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", true)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.StartRecording(context.Background(), "streamer"); err != nil {
		t.Fatal(err)
	}
	pool.SetEnabled(context.Background(), "streamer", false)
	if pool.IsRecording("streamer") {
		t.Fatalf("disable did not stop the recording")
	}
}

func TestStartPicksUpLiveChannels(t *testing.T) {
	pool, store, api, _ := newTestPool(t, blockingExtractor{})
	seedChannel(t, store, "streamer", "1", false)
	api.set("1", twitch.ChannelInfo{IsLive: true, Title: "Run"})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	if !pool.IsRecording("streamer") {
		t.Fatalf("startup reconcile did not start the recording")
	}
	ch, _ := store.Get("streamer")
	if !ch.IsLive {
		t.Fatalf("startup reconcile did not refresh live flag")
	}
}
