package eventsub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crowsnest/internal/clients"
	"crowsnest/internal/logging"
	"crowsnest/internal/state"
	"crowsnest/internal/twitch"
)

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T, channels map[string]state.Channel) *state.Store {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "roster.json"), t.TempDir(), testLogger())
	for login, ch := range channels {
		if err := store.Upsert(login, ch); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

type createCall struct {
	Kind      twitch.EventKind
	ChannelID string
	SessionID string
}

// fakeAPI records subscription mutations and serves the resulting list.
type fakeAPI struct {
	mu      sync.Mutex
	subs    []twitch.Subscription
	created []createCall
	deleted []string
	nextID  int
	listErr error
	gate    *clients.RetryAfterGate
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{gate: &clients.RetryAfterGate{}}
}

func (f *fakeAPI) ListSubscriptions(context.Context) ([]twitch.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]twitch.Subscription(nil), f.subs...), nil
}

func (f *fakeAPI) CreateSubscription(_ context.Context, kind twitch.EventKind, channelID, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.created = append(f.created, createCall{Kind: kind, ChannelID: channelID, SessionID: sessionID})
	f.subs = append(f.subs, twitch.Subscription{ID: id, Kind: kind, ChannelID: channelID, SessionID: sessionID})
	return id, nil
}

func (f *fakeAPI) DeleteSubscription(_ context.Context, subID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subID)
	kept := f.subs[:0]
	for _, sub := range f.subs {
		if sub.ID != subID {
			kept = append(kept, sub)
		}
	}
	f.subs = kept
	return nil
}

func (f *fakeAPI) Gate() *clients.RetryAfterGate { return f.gate }

func (f *fakeAPI) seed(sub twitch.Subscription) {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
}

func (f *fakeAPI) creates() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.created...)
}

func (f *fakeAPI) deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// pushServer is a scriptable websocket endpoint standing in for the
// upstream push multiplexer.
type pushServer struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
	}))
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no push session connected")
		return nil
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func welcomeFrame(sessionID string) frame {
	return frame{
		Metadata: frameMetadata{MessageID: "m-welcome", MessageType: msgWelcome},
		Payload:  framePayload{Session: &sessionPayload{ID: sessionID, Status: "connected"}},
	}
}

func notificationFrame(kind twitch.EventKind, channelID, login, eventType string) frame {
	return frame{
		Metadata: frameMetadata{
			MessageID:        "m-notify",
			MessageType:      msgNotification,
			SubscriptionType: string(kind),
		},
		Payload: framePayload{Event: &eventPayload{
			BroadcasterUserID:    channelID,
			BroadcasterUserLogin: login,
			Type:                 eventType,
		}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	api    *fakeAPI
	store  *state.Store
	server *pushServer
	mgr    *Manager

	mu       sync.Mutex
	statuses []string
}

func newFixture(t *testing.T, channels map[string]state.Channel) *fixture {
	t.Helper()
	f := &fixture{
		api:    newFakeAPI(),
		store:  newTestStore(t, channels),
		server: newPushServer(t),
	}
	f.mgr = NewManager(Config{
		API:       f.api,
		Store:     f.store,
		Logger:    testLogger(),
		SocketURL: f.server.url(),
		OnStatus: func(login string, isLive bool) {
			f.mu.Lock()
			f.statuses = append(f.statuses, fmt.Sprintf("%s=%t", login, isLive))
			f.mu.Unlock()
		},
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.mgr.Stop)
}

func (f *fixture) statusEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func TestSessionReadyInstallsDesiredTransitions(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1", DownloadsEnabled: true},
		"bravo": {ChannelID: "2", DownloadsEnabled: true, IsLive: true},
	})
	// A leftover from a dead consumer must be cleared before installing.
	f.api.seed(twitch.Subscription{ID: "stale-1", Kind: twitch.StreamOnline, ChannelID: "1", SessionID: "dead-sess"})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))

	waitFor(t, "subscriptions installed", func() bool { return len(f.api.creates()) == 2 })

	kinds := make(map[string]twitch.EventKind)
	for _, c := range f.api.creates() {
		if c.SessionID != "sess-1" {
			t.Fatalf("subscription bound to wrong session: %+v", c)
		}
		kinds[c.ChannelID] = c.Kind
	}
	if kinds["1"] != twitch.StreamOnline || kinds["2"] != twitch.StreamOffline {
		t.Fatalf("unexpected transitions: %v", kinds)
	}

	deleted := f.api.deletes()
	if len(deleted) != 1 || deleted[0] != "stale-1" {
		t.Fatalf("stale subscription not cleared: %v", deleted)
	}

	snap := f.mgr.Snapshot()
	if snap.Status != "active" || snap.ActiveConnections != 1 || snap.Monitored != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !f.mgr.Healthy() {
		t.Fatal("connected manager should report healthy")
	}
}

func TestSessionReadyAdoptsCarriedSubscriptions(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
		"bravo": {ChannelID: "2"},
	})
	// Upstream moved this subscription to the new socket during a
	// server-directed reconnect; it already watches the right transition.
	f.api.seed(twitch.Subscription{ID: "carried-1", Kind: twitch.StreamOnline, ChannelID: "1", SessionID: "sess-1"})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))

	waitFor(t, "ledger complete", func() bool { return f.mgr.Snapshot().Monitored == 2 })

	creates := f.api.creates()
	if len(creates) != 1 || creates[0].ChannelID != "2" {
		t.Fatalf("adopted channel must not be recreated: %+v", creates)
	}
	if deleted := f.api.deletes(); len(deleted) != 0 {
		t.Fatalf("adopted subscription must not be deleted: %v", deleted)
	}
}

func TestSessionReadyReplacesWrongTransition(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1", IsLive: true},
	})
	// Right session, wrong transition: the channel is live now, so the
	// online watch is obsolete.
	f.api.seed(twitch.Subscription{ID: "wrong-1", Kind: twitch.StreamOnline, ChannelID: "1", SessionID: "sess-1"})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))

	waitFor(t, "offline watch installed", func() bool {
		creates := f.api.creates()
		return len(creates) == 1 && creates[0].Kind == twitch.StreamOffline
	})
	if deleted := f.api.deletes(); len(deleted) != 1 || deleted[0] != "wrong-1" {
		t.Fatalf("obsolete subscription not cleared: %v", deleted)
	}
}

func TestNotificationFlipsSubscription(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1", DownloadsEnabled: true, LastTitle: "Speedrun"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	sendFrame(t, conn, notificationFrame(twitch.StreamOnline, "1", "alpha", "live"))

	waitFor(t, "flip to offline watch", func() bool {
		creates := f.api.creates()
		return len(creates) == 2 && creates[1].Kind == twitch.StreamOffline
	})

	ch, ok := f.store.Get("alpha")
	if !ok || !ch.IsLive {
		t.Fatalf("roster not flipped live: %+v", ch)
	}
	if ch.Title != "Speedrun" {
		t.Fatalf("last known title not restored, got %q", ch.Title)
	}
	if deleted := f.api.deletes(); len(deleted) != 1 || deleted[0] != "sub-1" {
		t.Fatalf("online subscription not removed: %v", deleted)
	}
	if events := f.statusEvents(); len(events) != 1 || events[0] != "alpha=true" {
		t.Fatalf("unexpected status events: %v", events)
	}
}

func TestOfflineNotificationParksTitle(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1", IsLive: true, Title: "Speedrun"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	sendFrame(t, conn, notificationFrame(twitch.StreamOffline, "1", "alpha", ""))

	waitFor(t, "flip to online watch", func() bool {
		creates := f.api.creates()
		return len(creates) == 2 && creates[1].Kind == twitch.StreamOnline
	})

	ch, _ := f.store.Get("alpha")
	if ch.IsLive || ch.Title != "Offline" || ch.LastTitle != "Speedrun" {
		t.Fatalf("offline transition not applied: %+v", ch)
	}
	if events := f.statusEvents(); len(events) != 1 || events[0] != "alpha=false" {
		t.Fatalf("unexpected status events: %v", events)
	}
}

func TestRerunBroadcastIgnored(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1", DownloadsEnabled: true},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	sendFrame(t, conn, notificationFrame(twitch.StreamOnline, "1", "alpha", "rerun"))

	// Give the notification time to land before asserting nothing changed.
	time.Sleep(100 * time.Millisecond)

	if ch, _ := f.store.Get("alpha"); ch.IsLive {
		t.Fatal("rerun must not flip the channel live")
	}
	if creates := f.api.creates(); len(creates) != 1 {
		t.Fatalf("rerun must not flip the subscription: %v", creates)
	}
	if events := f.statusEvents(); len(events) != 0 {
		t.Fatalf("rerun must not fan out: %v", events)
	}
}

func TestRevocationClearsLedger(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return f.mgr.Snapshot().Monitored == 1 })

	revocation := frame{
		Metadata: frameMetadata{MessageID: "m-revoke", MessageType: msgRevocation},
	}
	revocation.Payload.Subscription = &subscriptionPayload{ID: "sub-1", Type: "stream.online", Status: "authorization_revoked"}
	revocation.Payload.Subscription.Condition.BroadcasterUserID = "1"
	sendFrame(t, conn, revocation)

	waitFor(t, "ledger cleared", func() bool { return f.mgr.Snapshot().Monitored == 0 })
}

func TestServerDirectedReconnect(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	sendFrame(t, conn, frame{
		Metadata: frameMetadata{MessageID: "m-reconnect", MessageType: msgReconnect},
		Payload:  framePayload{Session: &sessionPayload{ID: "sess-1", ReconnectURL: f.server.url()}},
	})
	conn.Close()

	// The redial is immediate; a backoff here would miss the migration
	// window.
	next := f.server.accept(t)
	sendFrame(t, next, welcomeFrame("sess-2"))

	waitFor(t, "reinstall on new session", func() bool {
		creates := f.api.creates()
		return len(creates) == 2 && creates[1].SessionID == "sess-2"
	})
	waitFor(t, "session reports connected", func() bool {
		snap := f.mgr.Snapshot()
		return snap.ActiveConnections == 1 && snap.Connections[0].SessionID == "sess-2"
	})
}

func TestAddChannelUsesRunningSession(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	if err := f.store.Upsert("charlie", state.Channel{ChannelID: "3"}); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.AddChannel(context.Background(), "3", "charlie", false); err != nil {
		t.Fatal(err)
	}

	creates := f.api.creates()
	last := creates[len(creates)-1]
	if last.ChannelID != "3" || last.Kind != twitch.StreamOnline || last.SessionID != "sess-1" {
		t.Fatalf("unexpected install: %+v", last)
	}
	if f.mgr.Snapshot().Monitored != 2 {
		t.Fatalf("ledger not updated: %+v", f.mgr.Snapshot())
	}
}

func TestAddChannelDefersWhenSessionsFull(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	// Pack the only session to its ceiling.
	f.mgr.mu.Lock()
	for i := 0; len(f.mgr.bySession["sess-1"]) < maxSubsPerSession; i++ {
		id := fmt.Sprintf("9%02d", i)
		f.mgr.bySession["sess-1"][id] = subRecord{Login: "filler", SessionID: "sess-1"}
	}
	f.mgr.mu.Unlock()

	if err := f.mgr.AddChannel(context.Background(), "3", "charlie", false); err != nil {
		t.Fatalf("full sessions must defer, not fail: %v", err)
	}
	for _, c := range f.api.creates() {
		if c.ChannelID == "3" {
			t.Fatalf("deferred channel was installed anyway: %+v", c)
		}
	}
}

func TestRemoveChannelDropsUpstreamSubscription(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	f.mgr.RemoveChannel(context.Background(), "1")

	if deleted := f.api.deletes(); len(deleted) != 1 || deleted[0] != "sub-1" {
		t.Fatalf("subscription not removed upstream: %v", deleted)
	}
	if f.mgr.Snapshot().Monitored != 0 {
		t.Fatalf("ledger not cleared: %+v", f.mgr.Snapshot())
	}
}

func TestFullRestartRebuildsSessions(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	f.start(t)

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	if err := f.mgr.FullRestart(context.Background()); err != nil {
		t.Fatal(err)
	}

	next := f.server.accept(t)
	sendFrame(t, next, welcomeFrame("sess-2"))

	waitFor(t, "reinstall on new session", func() bool {
		creates := f.api.creates()
		return len(creates) == 2 && creates[1].SessionID == "sess-2"
	})
	waitFor(t, "old session cleaned up", func() bool {
		for _, id := range f.api.deletes() {
			if id == "sub-1" {
				return true
			}
		}
		return false
	})
}

func TestStopUnsubscribesEverything(t *testing.T) {
	f := newFixture(t, map[string]state.Channel{
		"alpha": {ChannelID: "1"},
	})
	if err := f.mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := f.server.accept(t)
	sendFrame(t, conn, welcomeFrame("sess-1"))
	waitFor(t, "initial install", func() bool { return len(f.api.creates()) == 1 })

	f.mgr.Stop()

	if f.mgr.Running() {
		t.Fatal("manager still running after Stop")
	}
	if deleted := f.api.deletes(); len(deleted) != 1 || deleted[0] != "sub-1" {
		t.Fatalf("subscriptions not removed on shutdown: %v", deleted)
	}
	if snap := f.mgr.Snapshot(); snap.Status != "stopped" {
		t.Fatalf("expected stopped status, got %+v", snap)
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if err := f.mgr.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail")
	}
}

func TestHealthyWithEmptyRoster(t *testing.T) {
	f := newFixture(t, nil)
	if f.mgr.Healthy() {
		t.Fatal("stopped manager must not be healthy")
	}
	f.start(t)
	if !f.mgr.Healthy() {
		t.Fatal("nothing to watch still counts as healthy")
	}
}

func TestBatchesSplitAndCap(t *testing.T) {
	channels := make(map[string]state.Channel)
	for i := 0; i < 17; i++ {
		channels[fmt.Sprintf("streamer%02d", i)] = state.Channel{ChannelID: fmt.Sprintf("%d", 100+i)}
	}
	channels["unresolved"] = state.Channel{}

	f := newFixture(t, channels)
	batches := f.mgr.batches()

	if len(batches) != maxConnections {
		t.Fatalf("expected %d batches, got %d", maxConnections, len(batches))
	}
	total := 0
	for _, b := range batches {
		if len(b) > batchSize {
			t.Fatalf("batch over size: %d", len(b))
		}
		total += len(b)
		for _, e := range b {
			if e.ChannelID == "" {
				t.Fatalf("unresolved channel batched: %+v", e)
			}
		}
	}
	if total != maxConnections*batchSize {
		t.Fatalf("expected %d batched channels, got %d", maxConnections*batchSize, total)
	}
}

func TestSweepDuplicatesKeepsOnePerTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.api.seed(twitch.Subscription{ID: "keep-1", Kind: twitch.StreamOnline, ChannelID: "1"})
	f.api.seed(twitch.Subscription{ID: "dup-1", Kind: twitch.StreamOnline, ChannelID: "1"})
	f.api.seed(twitch.Subscription{ID: "keep-2", Kind: twitch.StreamOffline, ChannelID: "1"})

	f.mgr.sweepDuplicates(context.Background())

	if deleted := f.api.deletes(); len(deleted) != 1 || deleted[0] != "dup-1" {
		t.Fatalf("unexpected sweep result: %v", deleted)
	}
}
