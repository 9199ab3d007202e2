package recorder

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"crowsnest/internal/logging"
	"crowsnest/internal/state"
	"crowsnest/internal/twitch"
)

// Recording status values persisted and broadcast to the UI.
const (
	StatusDownloading = "downloading"
	StatusStopped     = "stopped"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

const (
	// cooldownDuration blocks restarts after a recording finishes on its
	// own; channels often flap around the end of a broadcast.
	cooldownDuration = 30 * time.Second

	// reconcileInterval is how often the pool compares running jobs
	// against the roster.
	reconcileInterval = 10 * time.Second
)

// Precondition failures surfaced by StartRecording.
var (
	ErrAlreadyRecording = errors.New("recorder: recording already in progress")
	ErrCooldown         = errors.New("recorder: channel in post-recording cooldown")
	ErrNotLive          = errors.New("recorder: channel is not live")
	ErrNoTitle          = errors.New("recorder: no usable stream title")
	ErrNoChannelID      = errors.New("recorder: channel has no resolved ID")
)

// StreamAPI is the slice of the upstream client the pool needs: a fresh,
// cache-bypassing status read before committing disk space.
type StreamAPI interface {
	GetChannelFresh(ctx context.Context, id string) (twitch.ChannelInfo, error)
}

// StatusFunc receives recording status transitions for UI fan-out.
type StatusFunc func(login, status string)

// Config configures the recorder pool.
type Config struct {
	Store     *state.Store
	API       StreamAPI
	Extractor Extractor
	Logger    logging.Logger
	OnStatus  StatusFunc

	// AuthToken supplies the capture cookie, empty when unauthenticated.
	AuthToken func() string
}

type job struct {
	id        string
	login     string
	path      string
	cancel    context.CancelFunc
	startedAt time.Time
}

// ActiveRecording describes one running capture for the status API.
type ActiveRecording struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
}

// Pool runs at most one recorder worker per channel, enforces start
// preconditions, and reconciles workers against the roster.
type Pool struct {
	store     *state.Store
	api       StreamAPI
	extractor Extractor
	logger    logging.Logger
	onStatus  StatusFunc
	authToken func() string

	// startMu serializes start attempts so two triggers for the same
	// channel cannot race past the duplicate check.
	startMu sync.Mutex

	mu        sync.Mutex
	jobs      map[string]*job
	cooldowns map[string]time.Time
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a recorder pool.
func NewPool(cfg Config) *Pool {
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(string, string) {}
	}
	if cfg.AuthToken == nil {
		cfg.AuthToken = func() string { return "" }
	}
	return &Pool{
		store:     cfg.Store,
		api:       cfg.API,
		extractor: cfg.Extractor,
		logger:    cfg.Logger,
		onStatus:  cfg.OnStatus,
		authToken: cfg.AuthToken,
		jobs:      make(map[string]*job),
		cooldowns: make(map[string]time.Time),
	}
}

// Start reconciles against fresh upstream status, then begins the
// periodic reconcile loop. Channels live across a process restart get
// their recordings picked up immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("recorder: pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.reconcileFresh(p.ctx)

	p.wg.Add(1)
	go p.reconcileLoop()

	p.logger.Info("Recorder pool started")
	return nil
}

// Stop cancels all workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Recorder pool stopped")
}

// StartRecording begins capturing a channel after verifying every
// precondition: no duplicate job, no active cooldown, channel verified
// live with a fresh status read, and a usable title.
func (p *Pool) StartRecording(ctx context.Context, login string) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if _, active := p.jobs[login]; active {
		p.mu.Unlock()
		return ErrAlreadyRecording
	}
	if until, ok := p.cooldowns[login]; ok && time.Now().Before(until) {
		p.mu.Unlock()
		p.logger.WithFields(logging.Fields{
			"channel":   login,
			"remaining": time.Until(until).Round(time.Second).String(),
		}).Info("Recording start blocked by cooldown")
		return ErrCooldown
	}
	p.mu.Unlock()

	ch, ok := p.store.Get(login)
	if !ok {
		return errors.New("recorder: unknown channel " + login)
	}
	if ch.ChannelID == "" {
		return ErrNoChannelID
	}

	// A stale roster must not launch a capture against a dead stream.
	info, err := p.api.GetChannelFresh(ctx, ch.ChannelID)
	if err != nil {
		return err
	}
	if !info.IsLive {
		p.store.Update(login, func(c *state.Channel) { c.IsLive = false })
		p.onStatus(login, StatusStopped)
		return ErrNotLive
	}

	title := info.Title
	if IsPlaceholderTitle(login, title) {
		title = ch.Title
	}
	if IsPlaceholderTitle(login, title) {
		p.onStatus(login, StatusError)
		return ErrNoTitle
	}
	p.store.Update(login, func(c *state.Channel) {
		c.IsLive = true
		c.Title = title
		if info.Thumbnail != "" {
			c.Thumbnail = info.Thumbnail
		}
	})

	if err := os.MkdirAll(ch.SaveDirectory, 0o755); err != nil {
		return err
	}
	path := RecordingPath(ch.SaveDirectory, title, time.Now())

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("recorder: pool not running")
	}
	jobCtx, jobCancel := context.WithCancel(p.ctx)
	j := &job{id: uuid.NewString(), login: login, path: path, cancel: jobCancel, startedAt: time.Now()}
	p.jobs[login] = j
	p.mu.Unlock()

	w := &worker{
		login: login,
		path:  path,
		opts: OpenOptions{
			Login:      login,
			Resolution: ch.Resolution,
			AuthToken:  p.authToken(),
		},
		extractor: p.extractor,
		logger:    p.logger,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		code := w.run(jobCtx)
		cancelled := jobCtx.Err() != nil
		jobCancel()
		p.finish(login, j, code, cancelled)
	}()

	p.store.Update(login, func(c *state.Channel) { c.DownloadStatus = StatusDownloading })
	p.onStatus(login, StatusDownloading)
	p.logger.WithFields(logging.Fields{
		"channel":      login,
		"recording_id": j.id,
		"path":         path,
	}).Info("Recording started")
	return nil
}

// StopRecording cancels a running capture. Manual stops impose no
// cooldown so the operator can restart at once.
func (p *Pool) StopRecording(login string) bool {
	p.mu.Lock()
	j, ok := p.jobs[login]
	if ok {
		delete(p.jobs, login)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	j.cancel()
	p.store.Update(login, func(c *state.Channel) { c.DownloadStatus = StatusStopped })
	p.onStatus(login, StatusStopped)
	p.logger.WithFields(logging.Fields{"channel": login}).Info("Recording stopped")
	return true
}

// finish handles worker exit. Cancelled jobs impose no cooldown; natural
// exits do, successful or not.
func (p *Pool) finish(login string, j *job, code int, cancelled bool) {
	p.mu.Lock()
	owned := false
	if cur, ok := p.jobs[login]; ok && cur == j {
		delete(p.jobs, login)
		owned = true
	}
	if cancelled {
		p.mu.Unlock()
		if owned {
			p.store.Update(login, func(c *state.Channel) { c.DownloadStatus = StatusStopped })
			p.onStatus(login, StatusStopped)
		}
		return
	}
	p.cooldowns[login] = time.Now().Add(cooldownDuration)
	p.mu.Unlock()

	status := StatusCompleted
	if code != completedOK {
		status = StatusError
	}
	p.store.Update(login, func(c *state.Channel) { c.DownloadStatus = status })
	p.onStatus(login, status)
}

// IsRecording reports whether a capture is running for the channel.
func (p *Pool) IsRecording(login string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[login]
	return ok
}

// Active lists running captures.
func (p *Pool) Active() []ActiveRecording {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActiveRecording, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, ActiveRecording{ID: j.id, Login: j.login, Path: j.path, StartedAt: j.startedAt})
	}
	return out
}

// SetEnabled reacts to a downloads_enabled change. Disabling stops any
// active capture immediately; enabling lets the reconcile loop pick the
// channel up.
func (p *Pool) SetEnabled(ctx context.Context, login string, enabled bool) {
	if !enabled {
		p.StopRecording(login)
		return
	}
	if ch, ok := p.store.Get(login); ok && ch.IsLive {
		if err := p.StartRecording(ctx, login); err != nil && !errors.Is(err, ErrAlreadyRecording) {
			p.logger.WithFields(logging.Fields{
				"channel": login,
				"error":   err.Error(),
			}).Warn("Failed to start recording after enable")
		}
	}
}

// Reconcile compares running jobs against the roster: stops zombies
// whose channel is offline or disabled, starts captures for enabled live
// channels.
func (p *Pool) Reconcile(ctx context.Context) {
	roster := p.store.List()

	p.mu.Lock()
	var stale []string
	for login := range p.jobs {
		ch, ok := roster[login]
		if !ok || !ch.IsLive || !ch.DownloadsEnabled {
			stale = append(stale, login)
		}
	}
	p.mu.Unlock()

	for _, login := range stale {
		if p.StopRecording(login) {
			// The stream most likely ended; report it as finished.
			p.store.Update(login, func(c *state.Channel) { c.DownloadStatus = StatusCompleted })
			p.onStatus(login, StatusCompleted)
		}
	}

	for login, ch := range roster {
		if !ch.DownloadsEnabled || !ch.IsLive {
			continue
		}
		if p.IsRecording(login) {
			continue
		}
		err := p.StartRecording(ctx, login)
		if err != nil && !errors.Is(err, ErrAlreadyRecording) && !errors.Is(err, ErrCooldown) && !errors.Is(err, ErrNotLive) {
			p.logger.WithFields(logging.Fields{
				"channel": login,
				"error":   err.Error(),
			}).Warn("Reconcile failed to start recording")
		}
	}
}

// reconcileFresh refreshes live status straight from upstream for every
// enabled channel, then starts captures. Used once at startup so
// broadcasts that began while we were down are not missed.
func (p *Pool) reconcileFresh(ctx context.Context) {
	for login, ch := range p.store.List() {
		if !ch.DownloadsEnabled || ch.ChannelID == "" {
			continue
		}
		info, err := p.api.GetChannelFresh(ctx, ch.ChannelID)
		if err != nil {
			p.logger.WithFields(logging.Fields{
				"channel": login,
				"error":   err.Error(),
			}).Warn("Startup status check failed")
			continue
		}
		p.store.Update(login, func(c *state.Channel) {
			c.IsLive = info.IsLive
			if info.Title != "" {
				c.Title = info.Title
			}
			if info.Thumbnail != "" {
				c.Thumbnail = info.Thumbnail
			}
		})
		if info.IsLive {
			if err := p.StartRecording(ctx, login); err != nil && !errors.Is(err, ErrAlreadyRecording) {
				p.logger.WithFields(logging.Fields{
					"channel": login,
					"error":   err.Error(),
				}).Warn("Startup recording attempt failed")
			}
		}
	}
}

func (p *Pool) reconcileLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Reconcile(p.ctx)
		}
	}
}
