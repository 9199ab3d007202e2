package eventsub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"crowsnest/internal/clients"
	"crowsnest/internal/logging"
	"crowsnest/internal/state"
	"crowsnest/internal/twitch"
)

const (
	// maxConnections caps parallel push sessions.
	maxConnections = 3

	// batchSize is how many channels a fresh session is seeded with.
	batchSize = 5

	// maxSubsPerSession leaves headroom under the per-session cost cap.
	maxSubsPerSession = 8

	// createConcurrency bounds concurrent subscription mutations.
	createConcurrency = 5

	// hygieneInterval is how often duplicate subscriptions are swept.
	hygieneInterval = 12 * time.Hour

	// subscribeSpacing staggers installs on a fresh session.
	subscribeSpacing = 200 * time.Millisecond
)

// API is the slice of the upstream client the manager needs.
type API interface {
	ListSubscriptions(ctx context.Context) ([]twitch.Subscription, error)
	CreateSubscription(ctx context.Context, kind twitch.EventKind, channelID, sessionID string) (string, error)
	DeleteSubscription(ctx context.Context, subID string) error
	Gate() *clients.RetryAfterGate
}

// StatusFunc is invoked after a live-status transition has been applied
// to the roster.
type StatusFunc func(login string, isLive bool)

// Config configures the push subscription manager.
type Config struct {
	API       API
	Store     *state.Store
	Logger    logging.Logger
	SocketURL string
	OnStatus  StatusFunc
}

type subRecord struct {
	Login     string
	Kind      twitch.EventKind
	SessionID string
	SubID     string
}

/// Manager owns the push sessions and the subscription ledger: which
// channel is watched for which transition on which session. Every
// notification flips the channel's subscription to the complement
// transition.
type Manager struct {
	api       API
	store     *state.Store
	logger    logging.Logger
	socketURL string
	onStatus  StatusFunc

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	sessions   []*Session
	nextID     int
	subs       map[string]subRecord            // channelID -> record
	bySession  map[string]map[string]subRecord // sessionID -> channelID -> record
	pendingDel map[string]struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	sessCtx    context.Context
	sessCancel context.CancelFunc
	sessWG     sync.WaitGroup
	wg         sync.WaitGroup

	createSem *semaphore.Weighted
}

// NewManager creates a push subscription manager.
func NewManager(cfg Config) *Manager {
	if cfg.SocketURL == "" {
		cfg.SocketURL = defaultSocketURL
	}
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(string, bool) {}
	}
	return &Manager{
		api:        cfg.API,
		store:      cfg.Store,
		logger:     cfg.Logger,
		socketURL:  cfg.SocketURL,
		onStatus:   cfg.OnStatus,
		subs:       make(map[string]subRecord),
		bySession:  make(map[string]map[string]subRecord),
		pendingDel: make(map[string]struct{}),
		createSem:  semaphore.NewWeighted(createConcurrency),
	}
}

// Start spins up one session per batch of monitored channels and the
// periodic duplicate sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("eventsub: manager already running")
	}
	m.running = true
	m.startedAt = time.Now()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.subs = make(map[string]subRecord)
	m.bySession = make(map[string]map[string]subRecord)
	m.startSessionsLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.hygieneLoop()

	m.logger.WithFields(logging.Fields{"sessions": count}).Info("Push subscription manager started")
	return nil
}

// Stop tears down all sessions and removes every subscription upstream
// so nothing keeps firing at a dead consumer.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.sessWG.Wait()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.unsubscribeAll(ctx)
	m.logger.Info("Push subscription manager stopped")
}

// startSessionsLocked builds batches from the roster and launches a
// session per batch. Callers hold m.mu.
func (m *Manager) startSessionsLocked() {
	m.sessCtx, m.sessCancel = context.WithCancel(m.ctx)
	m.sessions = nil

	batches := m.batches()
	for _, batch := range batches {
		s := newSession(m.nextID, m.socketURL, batch, m, m.logger)
		m.nextID++
		m.sessions = append(m.sessions, s)
		m.sessWG.Add(1)
		go func(s *Session) {
			defer m.sessWG.Done()
			s.run(m.sessCtx)
		}(s)
	}
}

// batches splits resolvable roster channels into per-session groups.
func (m *Manager) batches() [][]batchEntry {
	var entries []batchEntry
	for login, ch := range m.store.List() {
		if ch.ChannelID == "" {
			continue
		}
		entries = append(entries, batchEntry{ChannelID: ch.ChannelID, Login: login, IsLive: ch.IsLive})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Login < entries[j].Login })

	var batches [][]batchEntry
	for i := 0; i < len(entries) && len(batches) < maxConnections; i += batchSize {
		end := i + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[i:end])
	}
	return batches
}

// FullRestart tears down every session and rebuilds from the current
// roster. Subscriptions tied to the old sessions are removed in the
// background.
func (m *Manager) FullRestart(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("eventsub: manager not running")
	}
	if m.sessCancel != nil {
		m.sessCancel()
	}
	m.mu.Unlock()

	m.sessWG.Wait()

	m.mu.Lock()
	oldSessions := make([]string, 0, len(m.bySession))
	for sid := range m.bySession {
		oldSessions = append(oldSessions, sid)
	}
	m.subs = make(map[string]subRecord)
	m.bySession = make(map[string]map[string]subRecord)
	m.startSessionsLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	if len(oldSessions) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			m.cleanupSessions(cleanupCtx, oldSessions)
		}()
	}

	m.logger.WithFields(logging.Fields{"sessions": count}).Info("Push sessions restarted")
	return nil
}

// AddChannel installs a subscription for a newly added channel without a
// full restart. Sessions are load-balanced with a per-session ceiling.
func (m *Manager) AddChannel(ctx context.Context, channelID, login string, isLive bool) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("eventsub: manager not running")
	}
	if len(m.sessions) == 0 {
		// No sessions yet; the fresh start picks the channel up from
		// the roster.
		m.startSessionsLocked()
		m.mu.Unlock()
		return nil
	}

	var target string
	best := -1
	connected := 0
	for _, s := range m.sessions {
		if s.State() != StateConnected {
			continue
		}
		connected++
		sid := s.SessionID()
		count := len(m.bySession[sid])
		if count < maxSubsPerSession && (best == -1 || count < best) {
			target = sid
			best = count
		}
	}
	m.mu.Unlock()

	if target == "" {
		if connected == 0 {
			return errors.New("eventsub: no connected sessions available")
		}
		// Every session is at the ceiling. The roster already carries
		// the channel, so the next restart or rebuild picks it up.
		m.logger.WithFields(logging.Fields{"channel": login}).Info("Push sessions full, subscription deferred")
		return nil
	}

	m.removeChannelSubs(ctx, channelID)
	return m.install(ctx, target, channelID, login, twitch.DesiredKind(isLive))
}

// RemoveChannel drops all upstream subscriptions for a channel.
func (m *Manager) RemoveChannel(ctx context.Context, channelID string) {
	m.removeChannelSubs(ctx, channelID)
}

// install creates one subscription and records it in the ledger.
func (m *Manager) install(ctx context.Context, sessionID, channelID, login string, kind twitch.EventKind) error {
	if err := m.api.Gate().Wait(ctx); err != nil {
		return err
	}
	if err := m.createSem.Acquire(ctx, 1); err != nil {
		return err
	}
	subID, err := m.api.CreateSubscription(ctx, kind, channelID, sessionID)
	m.createSem.Release(1)
	if err != nil {
		m.logger.WithFields(logging.Fields{
			"channel": login,
			"kind":    string(kind),
			"error":   err.Error(),
		}).Warn("Failed to create push subscription")
		return err
	}

	m.mu.Lock()
	rec := subRecord{Login: login, Kind: kind, SessionID: sessionID, SubID: subID}
	m.subs[channelID] = rec
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]subRecord)
	}
	m.bySession[sessionID][channelID] = rec
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"channel": login,
		"kind":    string(kind),
	}).Debug("Push subscription installed")
	return nil
}

// removeChannelSubs deletes every upstream subscription for the channel
// and clears the ledger. Concurrent removals for the same channel
// collapse into one.
func (m *Manager) removeChannelSubs(ctx context.Context, channelID string) {
	m.mu.Lock()
	if _, busy := m.pendingDel[channelID]; busy {
		m.mu.Unlock()
		return
	}
	m.pendingDel[channelID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pendingDel, channelID)
		if rec, ok := m.subs[channelID]; ok {
			delete(m.subs, channelID)
			if sess, ok := m.bySession[rec.SessionID]; ok {
				delete(sess, channelID)
			}
		}
		m.mu.Unlock()
	}()

	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Failed to list subscriptions for removal")
		return
	}
	for _, sub := range subs {
		if sub.ChannelID != channelID {
			continue
		}
		m.deleteQuiet(ctx, sub.ID)
	}
}

func (m *Manager) deleteQuiet(ctx context.Context, subID string) {
	if err := m.createSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.createSem.Release(1)
	if err := m.api.DeleteSubscription(ctx, subID); err != nil && !twitch.IsNotFound(err) {
		m.logger.WithFields(logging.Fields{
			"subscription": subID,
			"error":        err.Error(),
		}).Warn("Failed to delete push subscription")
	}
}

// session event handlers

// sessionReady reconciles upstream subscriptions for the session's
// channels: subscriptions already bound to this session with the right
// transition are adopted, leftovers from dead sessions are deleted, and
// the rest are installed fresh.
func (m *Manager) sessionReady(ctx context.Context, s *Session) {
	sid := s.SessionID()
	if sid == "" {
		return
	}
	roster := s.Roster()

	m.mu.Lock()
	if m.bySession[sid] == nil {
		m.bySession[sid] = make(map[string]subRecord)
	}
	m.mu.Unlock()

	// Re-read live status per channel; it may have changed while
	// reconnecting.
	desired := make(map[string]twitch.EventKind, len(roster))
	logins := make(map[string]string, len(roster))
	for _, e := range roster {
		isLive := e.IsLive
		if ch, ok := m.store.Get(e.Login); ok {
			isLive = ch.IsLive
		}
		desired[e.ChannelID] = twitch.DesiredKind(isLive)
		logins[e.ChannelID] = e.Login
	}

	// A server-directed reconnect carries subscriptions over to the new
	// socket; recreating those doubles the create traffic for nothing.
	// Anything else bound to a batch channel would double-deliver.
	adopted := make(map[string]bool, len(roster))
	if subs, err := m.api.ListSubscriptions(ctx); err != nil {
		m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Failed to check existing subscriptions")
	} else {
		for _, sub := range subs {
			want, inBatch := desired[sub.ChannelID]
			if !inBatch {
				continue
			}
			if sub.SessionID == sid && sub.Kind == want && !adopted[sub.ChannelID] {
				rec := subRecord{Login: logins[sub.ChannelID], Kind: sub.Kind, SessionID: sid, SubID: sub.ID}
				m.mu.Lock()
				m.subs[sub.ChannelID] = rec
				m.bySession[sid][sub.ChannelID] = rec
				m.mu.Unlock()
				adopted[sub.ChannelID] = true
				continue
			}
			m.deleteQuiet(ctx, sub.ID)
		}
	}

	for _, e := range roster {
		if adopted[e.ChannelID] {
			continue
		}
		if err := m.install(ctx, sid, e.ChannelID, e.Login, desired[e.ChannelID]); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(subscribeSpacing):
		}
	}
}

// sessionNotification applies one push notification: update the roster,
// flip the subscription to the complement transition, fan out.
func (m *Manager) sessionNotification(ctx context.Context, f *frame) {
	ev := f.Payload.Event
	if ev == nil {
		return
	}
	kind := twitch.EventKind(f.Metadata.SubscriptionType)
	channelID := ev.BroadcasterUserID

	login := m.loginFor(channelID, ev.BroadcasterUserLogin)
	if login == "" {
		m.logger.WithFields(logging.Fields{"channel_id": channelID}).Warn("Notification for unknown channel")
		return
	}

	switch kind {
	case twitch.StreamOnline:
		// Reruns and premieres announce themselves as online too.
		if ev.Type != "live" {
			m.logger.WithFields(logging.Fields{
				"channel": login,
				"type":    ev.Type,
			}).Info("Ignoring non-live broadcast start")
			return
		}
		m.store.Update(login, func(c *state.Channel) {
			c.IsLive = true
			if (c.Title == "" || c.Title == "Offline") && c.LastTitle != "" {
				c.Title = c.LastTitle
			}
		})
		m.logger.WithFields(logging.Fields{"channel": login}).Info("Channel went live")
		m.flip(ctx, channelID, login, twitch.StreamOffline)
		m.onStatus(login, true)

	case twitch.StreamOffline:
		m.store.Update(login, func(c *state.Channel) {
			c.IsLive = false
			if c.Title != "" && c.Title != "Offline" {
				c.LastTitle = c.Title
			}
			c.Title = "Offline"
		})
		m.logger.WithFields(logging.Fields{"channel": login}).Info("Channel went offline")
		m.flip(ctx, channelID, login, twitch.StreamOnline)
		m.onStatus(login, false)

	default:
		m.logger.WithFields(logging.Fields{"kind": string(kind)}).Debug("Ignoring notification kind")
	}
}

// flip replaces a channel's subscription with the given transition on
// the same session.
func (m *Manager) flip(ctx context.Context, channelID, login string, kind twitch.EventKind) {
	m.mu.Lock()
	rec, ok := m.subs[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.removeChannelSubs(ctx, channelID)
	if err := m.install(ctx, rec.SessionID, channelID, login, kind); err != nil {
		m.logger.WithFields(logging.Fields{
			"channel": login,
			"kind":    string(kind),
			"error":   err.Error(),
		}).Warn("Failed to flip subscription")
	}
}

func (m *Manager) sessionRevoked(ctx context.Context, channelID string) {
	m.mu.Lock()
	rec, ok := m.subs[channelID]
	if ok {
		delete(m.subs, channelID)
		if sess, exists := m.bySession[rec.SessionID]; exists {
			delete(sess, channelID)
		}
	}
	m.mu.Unlock()
	if ok {
		m.logger.WithFields(logging.Fields{"channel": rec.Login}).Warn("Push subscription revoked upstream")
	}
}

// sessionGone drops ledger entries for a closed session. Upstream
// removes websocket subscriptions itself when their session dies.
func (m *Manager) sessionGone(s *Session, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channelID, rec := range m.bySession[sessionID] {
		if cur, ok := m.subs[channelID]; ok && cur.SessionID == rec.SessionID {
			delete(m.subs, channelID)
		}
	}
	delete(m.bySession, sessionID)
}

func (m *Manager) sessionFailed(s *Session) {
	m.logger.WithFields(logging.Fields{"connection": s.ID()}).Error("Push session failed permanently, awaiting repair")
}

// loginFor resolves a channel ID to a roster login.
func (m *Manager) loginFor(channelID, hint string) string {
	if hint != "" {
		if _, ok := m.store.Get(hint); ok {
			return strings.ToLower(hint)
		}
	}
	for login, ch := range m.store.List() {
		if ch.ChannelID == channelID {
			return login
		}
	}
	return ""
}

// hygiene and teardown

func (m *Manager) hygieneLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(hygieneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepDuplicates(m.ctx)
		}
	}
}

// sweepDuplicates removes extra subscriptions when upstream holds more
// than one for the same channel and transition.
func (m *Manager) sweepDuplicates(ctx context.Context) {
	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Duplicate sweep failed to list subscriptions")
		return
	}

	grouped := make(map[string][]twitch.Subscription)
	for _, sub := range subs {
		key := sub.ChannelID + ":" + string(sub.Kind)
		grouped[key] = append(grouped[key], sub)
	}

	removed := 0
	for _, group := range grouped {
		for _, sub := range group[1:] {
			m.deleteQuiet(ctx, sub.ID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.WithFields(logging.Fields{"removed": removed}).Info("Removed duplicate push subscriptions")
	}
}

// cleanupSessions deletes upstream subscriptions still bound to dead
// session IDs.
func (m *Manager) cleanupSessions(ctx context.Context, sessionIDs []string) {
	dead := make(map[string]bool, len(sessionIDs))
	for _, sid := range sessionIDs {
		dead[sid] = true
	}
	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return
	}
	for _, sub := range subs {
		if dead[sub.SessionID] {
			m.deleteQuiet(ctx, sub.ID)
		}
	}
}

// unsubscribeAll removes every websocket subscription upstream.
func (m *Manager) unsubscribeAll(ctx context.Context) {
	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Shutdown cleanup failed to list subscriptions")
		return
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.deleteQuiet(ctx, id)
		}(sub.ID)
	}
	wg.Wait()
	if len(subs) > 0 {
		m.logger.WithFields(logging.Fields{"count": len(subs)}).Info("Removed push subscriptions on shutdown")
	}
}

// status surface

// ConnectionStatus describes one push session for the status API.
type ConnectionStatus struct {
	ID            int    `json:"id"`
	Status        string `json:"status"`
	SessionID     string `json:"session_id,omitempty"`
	Subscriptions int    `json:"subscriptions"`
}

// Status is the manager's externally visible state.
type Status struct {
	Status            string             `json:"status"`
	ActiveConnections int                `json:"active_connections"`
	Connections       []ConnectionStatus `json:"connections"`
	Monitored         int                `json:"streamers_monitored"`
	LiveStreamers     []string           `json:"live_streamers"`
	UptimeSeconds     float64            `json:"uptime_seconds"`
}

// Healthy reports whether the manager can deliver notifications: either
// at least one connected session, or nothing to watch.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	if len(m.sessions) == 0 {
		return len(m.batches()) == 0
	}
	for _, s := range m.sessions {
		if s.State() == StateConnected {
			return true
		}
	}
	return false
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot builds the status report served by the web API.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Monitored:   len(m.subs),
		Connections: make([]ConnectionStatus, 0, len(m.sessions)),
	}
	for _, s := range m.sessions {
		sid := s.SessionID()
		cs := ConnectionStatus{
			ID:            s.ID(),
			Status:        s.State().String(),
			SessionID:     sid,
			Subscriptions: len(m.bySession[sid]),
		}
		if s.State() == StateConnected {
			st.ActiveConnections++
		}
		st.Connections = append(st.Connections, cs)
	}

	for login, ch := range m.store.List() {
		if ch.IsLive {
			st.LiveStreamers = append(st.LiveStreamers, login)
		}
	}
	sort.Strings(st.LiveStreamers)

	if !m.running {
		st.Status = "stopped"
	} else if st.ActiveConnections > 0 {
		st.Status = "active"
	} else {
		st.Status = "inactive"
	}
	if !m.startedAt.IsZero() {
		st.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	return st
}
