package supervisor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"crowsnest/internal/eventsub"
	"crowsnest/internal/logging"
	"crowsnest/internal/recorder"
	"crowsnest/internal/state"
	"crowsnest/internal/twitch"
)

const (
	// pollInterval is the metadata fallback poll; push notifications are
	// the primary signal.
	pollInterval = 300 * time.Second

	// superviseInterval is the self-healing pass.
	superviseInterval = 600 * time.Second

	// repairFloor is the minimum spacing between repeats of the same
	// repair, so a broken dependency cannot trigger a restart storm.
	repairFloor = time.Hour

	// tokenSettleDelay separates the stop and start halves of a
	// credential swap.
	tokenSettleDelay = 2 * time.Second

	// rosterDriftMargin is how far the subscription ledger may trail the
	// roster before the push sessions are rebuilt.
	rosterDriftMargin = 3
)

// PushManager is the subscription manager surface the supervisor drives.
type PushManager interface {
	Start(ctx context.Context) error
	Stop()
	FullRestart(ctx context.Context) error
	AddChannel(ctx context.Context, channelID, login string, isLive bool) error
	RemoveChannel(ctx context.Context, channelID string)
	Healthy() bool
	Running() bool
	Snapshot() eventsub.Status
}

// RecorderPool is the recorder surface the supervisor drives.
type RecorderPool interface {
	Start(ctx context.Context) error
	Stop()
	Reconcile(ctx context.Context)
	StartRecording(ctx context.Context, login string) error
	StopRecording(login string) bool
	SetEnabled(ctx context.Context, login string, enabled bool)
	IsRecording(login string) bool
	Active() []recorder.ActiveRecording
}

// TokenManager is the credential surface the supervisor drives.
type TokenManager interface {
	Start(ctx context.Context) error
	Stop()
	Validate(ctx context.Context) bool
	Refresh(ctx context.Context) error
	HasToken() bool
}

// MetadataAPI is the upstream read surface used by the poll loop and
// roster mutations.
type MetadataAPI interface {
	LookupChannelID(ctx context.Context, login string) (string, error)
	GetChannel(ctx context.Context, id string) (twitch.ChannelInfo, error)
}

// Broadcaster fans state changes out to connected UI clients.
type Broadcaster interface {
	LiveStatus(login string, isLive bool)
	DownloadStatus(login, status string)
	ChannelUpdate(login string, ch state.Channel)
}

// Config wires the supervisor's collaborators.
type Config struct {
	Store     *state.Store
	Tokens    TokenManager
	Push      PushManager
	Pool      RecorderPool
	API       MetadataAPI
	Backups   *state.BackupManager
	Broadcast Broadcaster
	Logger    logging.Logger

	// OnPushRestart is invoked after a full push session rebuild.
	OnPushRestart func()
}

// Supervisor owns the service lifecycle: it starts the token, push, and
// recorder subsystems, polls metadata as a fallback, and runs the
// periodic self-healing pass.
type Supervisor struct {
	store     *state.Store
	tokens    TokenManager
	push      PushManager
	pool      RecorderPool
	api       MetadataAPI
	backups       *state.BackupManager
	broadcast     Broadcaster
	logger        logging.Logger
	onPushRestart func()

	mu        sync.Mutex
	running   bool
	repairs   map[string]time.Time
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.OnPushRestart == nil {
		cfg.OnPushRestart = func() {}
	}
	return &Supervisor{
		store:         cfg.Store,
		tokens:        cfg.Tokens,
		push:          cfg.Push,
		pool:          cfg.Pool,
		api:           cfg.API,
		backups:       cfg.Backups,
		broadcast:     cfg.Broadcast,
		logger:        cfg.Logger,
		onPushRestart: cfg.OnPushRestart,
		repairs:       make(map[string]time.Time),
	}
}

// Start brings all subsystems up. The push manager only starts once a
// credential exists; until then the UI drives authentication.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.tokens.Start(s.ctx); err != nil {
		return err
	}

	if s.tokens.HasToken() {
		if err := s.push.Start(s.ctx); err != nil {
			s.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Push manager failed to start")
		}
	} else {
		s.logger.Info("No credential available, push subscriptions deferred until authentication")
	}

	if err := s.pool.Start(s.ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go s.pollLoop()
	go s.superviseLoop()

	s.logger.Info("Supervisor started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Stop()
	s.push.Stop()
	s.tokens.Stop()
	s.logger.Info("Supervisor stopped")
}

// OnTokenRefresh coordinates a credential swap: verify the new token,
// then bounce the push sessions with a settle delay so in-flight
// operations drain.
func (s *Supervisor) OnTokenRefresh(ctx context.Context, _ string) {
	if !s.tokens.Validate(ctx) {
		s.logger.Warn("Refreshed token failed validation, keeping current push sessions")
		return
	}

	s.mu.Lock()
	running := s.running
	svcCtx := s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	time.Sleep(tokenSettleDelay)
	s.push.Stop()
	time.Sleep(tokenSettleDelay)
	if err := s.push.Start(svcCtx); err != nil {
		s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Push manager failed to restart after token refresh")
		return
	}
	s.logger.Info("Push sessions restarted with refreshed credential")
}

// roster mutations, driven by the web layer

// AddChannel adds a channel to the roster: resolve its ID, pull initial
// metadata, persist, and install a push subscription.
func (s *Supervisor) AddChannel(ctx context.Context, login string, downloadsEnabled bool) error {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return errors.New("supervisor: empty channel name")
	}
	if _, exists := s.store.Get(login); exists {
		return nil
	}

	id, err := s.api.LookupChannelID(ctx, login)
	if err != nil {
		return err
	}

	ch := state.Channel{ChannelID: id, DownloadsEnabled: downloadsEnabled}
	if info, err := s.api.GetChannel(ctx, id); err == nil {
		ch.IsLive = info.IsLive
		ch.Title = info.Title
		ch.Thumbnail = info.Thumbnail
		ch.ProfileImageURL = info.ProfileImageURL
		ch.OfflineImageURL = info.OfflineImageURL
	}
	if err := s.store.Upsert(login, ch); err != nil {
		return err
	}

	if err := s.push.AddChannel(ctx, id, login, ch.IsLive); err != nil {
		s.logger.WithFields(logging.Fields{
			"channel": login,
			"error":   err.Error(),
		}).Warn("Failed to install push subscription for new channel")
	}

	if stored, ok := s.store.Get(login); ok {
		s.broadcast.ChannelUpdate(login, stored)
	}
	s.logger.WithFields(logging.Fields{"channel": login}).Info("Channel added")
	return nil
}

// RemoveChannel drops a channel: stop any capture, remove upstream
// subscriptions, delete the record.
func (s *Supervisor) RemoveChannel(ctx context.Context, login string) error {
	login = strings.ToLower(login)
	ch, ok := s.store.Get(login)
	if !ok {
		return nil
	}

	s.pool.StopRecording(login)
	if ch.ChannelID != "" {
		s.push.RemoveChannel(ctx, ch.ChannelID)
	}
	if _, err := s.store.Remove(login); err != nil {
		return err
	}
	s.logger.WithFields(logging.Fields{"channel": login}).Info("Channel removed")
	return nil
}

// ReplaceRoster applies a full roster write from the UI, diffing against
// the current roster so removals tear down cleanly and additions get
// subscriptions.
func (s *Supervisor) ReplaceRoster(ctx context.Context, incoming map[string]state.Channel) error {
	current := s.store.List()

	for login, ch := range current {
		if _, keep := incoming[login]; !keep {
			s.pool.StopRecording(login)
			if ch.ChannelID != "" {
				s.push.RemoveChannel(ctx, ch.ChannelID)
			}
		}
	}

	if err := s.store.Replace(incoming); err != nil {
		return err
	}

	for login := range incoming {
		login = strings.ToLower(login)
		if _, existed := current[login]; existed {
			continue
		}
		ch, ok := s.store.Get(login)
		if !ok {
			continue
		}
		if ch.ChannelID == "" {
			id, err := s.api.LookupChannelID(ctx, login)
			if err != nil {
				s.logger.WithFields(logging.Fields{
					"channel": login,
					"error":   err.Error(),
				}).Warn("Could not resolve channel ID")
				continue
			}
			s.store.Update(login, func(c *state.Channel) { c.ChannelID = id })
			ch.ChannelID = id
		}
		if err := s.push.AddChannel(ctx, ch.ChannelID, login, ch.IsLive); err != nil {
			s.logger.WithFields(logging.Fields{
				"channel": login,
				"error":   err.Error(),
			}).Warn("Failed to install push subscription for new channel")
		}
	}
	return nil
}

// SetDownloadsEnabled flips the capture flag and applies it immediately.
func (s *Supervisor) SetDownloadsEnabled(ctx context.Context, login string, enabled bool) error {
	login = strings.ToLower(login)
	if _, ok := s.store.Get(login); !ok {
		return errors.New("supervisor: unknown channel " + login)
	}
	if err := s.store.Update(login, func(c *state.Channel) { c.DownloadsEnabled = enabled }); err != nil {
		return err
	}
	s.pool.SetEnabled(ctx, login, enabled)
	return nil
}

// RestartPush rebuilds all push sessions on operator request.
func (s *Supervisor) RestartPush(ctx context.Context) error {
	if !s.push.Running() {
		return s.push.Start(s.ctx)
	}
	if err := s.push.FullRestart(ctx); err != nil {
		return err
	}
	s.onPushRestart()
	return nil
}

// OnPushStatus handles a live transition delivered by the push pipeline.
func (s *Supervisor) OnPushStatus(login string, isLive bool) {
	s.broadcast.LiveStatus(login, isLive)
	if ch, ok := s.store.Get(login); ok {
		s.broadcast.ChannelUpdate(login, ch)
	}

	s.mu.Lock()
	svcCtx := s.ctx
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	if isLive {
		if ch, ok := s.store.Get(login); ok && ch.DownloadsEnabled {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				err := s.pool.StartRecording(svcCtx, login)
				if err != nil && !errors.Is(err, recorder.ErrAlreadyRecording) && !errors.Is(err, recorder.ErrCooldown) {
					s.logger.WithFields(logging.Fields{
						"channel": login,
						"error":   err.Error(),
					}).Warn("Failed to start recording on live notification")
				}
			}()
		}
	} else {
		s.pool.Reconcile(svcCtx)
	}
}

// background loops

func (s *Supervisor) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(s.ctx)
		}
	}
}

// refreshAll polls metadata for every channel. It is the safety net for
// notifications lost while sessions reconnect: transitions detected here
// get the same treatment as pushed ones.
func (s *Supervisor) refreshAll(ctx context.Context) {
	for login, ch := range s.store.List() {
		if ch.ChannelID == "" {
			continue
		}
		info, err := s.api.GetChannel(ctx, ch.ChannelID)
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"channel": login,
				"error":   err.Error(),
			}).Debug("Metadata poll failed")
			continue
		}

		wasLive := ch.IsLive
		s.store.Update(login, func(c *state.Channel) {
			c.IsLive = info.IsLive
			if info.IsLive {
				if info.Title != "" {
					c.Title = info.Title
				}
				if info.Thumbnail != "" {
					c.Thumbnail = info.Thumbnail
				}
			} else if wasLive {
				if c.Title != "" && c.Title != "Offline" {
					c.LastTitle = c.Title
				}
				c.Title = "Offline"
			}
			if info.ProfileImageURL != "" {
				c.ProfileImageURL = info.ProfileImageURL
			}
		})

		if info.IsLive != wasLive {
			s.logger.WithFields(logging.Fields{
				"channel": login,
				"is_live": info.IsLive,
			}).Info("Poll detected missed transition")
			s.OnPushStatus(login, info.IsLive)
		} else if info.IsLive {
			if updated, ok := s.store.Get(login); ok {
				s.broadcast.ChannelUpdate(login, updated)
			}
		}
	}
}

func (s *Supervisor) superviseLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.supervise(s.ctx)
		}
	}
}

// supervise is the self-healing pass: credential presence and validity,
// push session health, roster consistency, recorder reconciliation,
// roster backup.
func (s *Supervisor) supervise(ctx context.Context) {
	if !s.tokens.HasToken() {
		s.logger.Warn("No credential available, push subscriptions inactive")
	} else if !s.tokens.Validate(ctx) {
		if s.tryRepair("token-refresh") {
			s.logger.Warn("Access token rejected upstream, forcing refresh")
			if err := s.tokens.Refresh(ctx); err != nil {
				s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Repair failed to refresh token")
			}
		}
	} else if !s.push.Running() {
		if s.tryRepair("push-start") {
			if err := s.push.Start(s.ctx); err != nil {
				s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Repair failed to start push manager")
			}
		}
	} else if !s.push.Healthy() {
		if s.tryRepair("push-restart") {
			s.logger.Warn("Push sessions unhealthy, restarting")
			if err := s.push.FullRestart(ctx); err != nil {
				s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Repair failed to restart push sessions")
			} else {
				s.onPushRestart()
			}
		}
	} else if drift := s.subscriptionDrift(); drift > rosterDriftMargin {
		if s.tryRepair("push-resync") {
			s.logger.WithFields(logging.Fields{"missing": drift}).Warn("Subscription ledger trails the roster, restarting push sessions")
			if err := s.push.FullRestart(ctx); err != nil {
				s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Repair failed to resync push sessions")
			} else {
				s.onPushRestart()
			}
		}
	}

	s.pool.Reconcile(ctx)

	if err := s.backups.BackupIfDue(); err != nil {
		s.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Roster backup failed")
	}
}

// subscriptionDrift counts resolved roster channels with no push
// subscription in the ledger.
func (s *Supervisor) subscriptionDrift() int {
	resolved := 0
	for _, ch := range s.store.List() {
		if ch.ChannelID != "" {
			resolved++
		}
	}
	return resolved - s.push.Snapshot().Monitored
}

// tryRepair records a repair attempt and reports whether it is allowed
// under the repair floor.
func (s *Supervisor) tryRepair(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.repairs[name]; ok && time.Since(last) < repairFloor {
		return false
	}
	s.repairs[name] = time.Now()
	return true
}

// StatusSummary is the /api/status payload.
type StatusSummary struct {
	Running          bool                       `json:"running"`
	UptimeSeconds    float64                    `json:"uptime_seconds"`
	PollInterval     float64                    `json:"poll_interval_seconds"`
	Monitored        int                        `json:"monitored_streamers"`
	LiveStreamers    []string                   `json:"live_streamers"`
	ActiveRecordings []recorder.ActiveRecording `json:"active_recordings"`
	EventSub         eventsub.Status            `json:"eventsub"`
	TokenPresent     bool                       `json:"token_present"`
}

// Summary builds a point-in-time status report.
func (s *Supervisor) Summary() StatusSummary {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	var live []string
	roster := s.store.List()
	for login, ch := range roster {
		if ch.IsLive {
			live = append(live, login)
		}
	}
	sort.Strings(live)

	sum := StatusSummary{
		Running:          running,
		PollInterval:     pollInterval.Seconds(),
		Monitored:        len(roster),
		LiveStreamers:    live,
		ActiveRecordings: s.pool.Active(),
		EventSub:         s.push.Snapshot(),
		TokenPresent:     s.tokens.HasToken(),
	}
	if !startedAt.IsZero() {
		sum.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	return sum
}
