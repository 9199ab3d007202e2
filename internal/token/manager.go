package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crowsnest/internal/logging"
)

const (
	// refreshBuffer is how long before expiry a token counts as stale.
	refreshBuffer = 30 * time.Minute

	// refreshWait bounds how long a Get blocks behind an in-flight refresh.
	refreshWait = 30 * time.Second

	defaultRefreshEndpoint = "https://authentication.acheapdomain.click/auth/refresh"
	defaultExpiresIn       = 14400
)

// Bundle is the persisted credential set. ExpiresAt is unix milliseconds,
// matching what the refresh endpoint hands back.
type Bundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// RefreshCallback receives the new access token after a successful refresh.
type RefreshCallback func(ctx context.Context, accessToken string)

// Validator checks a token against the upstream identity endpoint.
type Validator func(ctx context.Context, token string) bool

// Config configures the token manager.
type Config struct {
	// TokenFile is the JSON file the bundle is persisted to.
	TokenFile string

	// RefreshEndpoint is the companion service that exchanges refresh
	// tokens. Defaults to the hosted endpoint.
	RefreshEndpoint string

	Logger  logging.Logger
	Timeout time.Duration
}

// Manager owns the OAuth credential lifecycle: persistence, scheduled
// refresh ahead of expiry, and refresh fan-out to subscribers.
type Manager struct {
	tokenFile       string
	refreshEndpoint string
	httpClient      *http.Client
	logger          logging.Logger

	mu        sync.Mutex
	bundle    Bundle
	loaded    bool
	refreshMu sync.Mutex
	timer     *time.Timer

	callbacksMu sync.Mutex
	callbacks   []RefreshCallback

	validator Validator

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a token manager. Call Start to load the bundle and
// arm the refresh timer.
func NewManager(cfg Config) *Manager {
	if cfg.RefreshEndpoint == "" {
		cfg.RefreshEndpoint = defaultRefreshEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Manager{
		tokenFile:       cfg.TokenFile,
		refreshEndpoint: cfg.RefreshEndpoint,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		logger:          cfg.Logger,
		stopCh:          make(chan struct{}),
	}
}

// SetValidator wires the upstream identity check. Wired after construction
// because the API client itself depends on the manager for tokens.
func (m *Manager) SetValidator(v Validator) {
	m.mu.Lock()
	m.validator = v
	m.mu.Unlock()
}

// Start loads the persisted bundle and arms the refresh timer if a
// refresh token is present.
func (m *Manager) Start(ctx context.Context) error {
	m.load()
	m.mu.Lock()
	hasRefresh := m.bundle.RefreshToken != ""
	m.mu.Unlock()
	if hasRefresh {
		m.armTimer()
	}
	m.logger.Info("Token manager started")
	return nil
}

// Stop cancels the scheduled refresh.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// Get returns a usable access token, refreshing first when the token is
// within the expiry buffer or force is set. The second return reports
// whether a refresh happened on this call.
func (m *Manager) Get(ctx context.Context, force bool) (string, bool, error) {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		m.load()
		m.mu.Lock()
	}
	b := m.bundle
	m.mu.Unlock()

	if b.AccessToken == "" {
		return "", false, errors.New("token: no access token available")
	}

	if force || m.stale(b) {
		refreshCtx, cancel := context.WithTimeout(ctx, refreshWait)
		defer cancel()
		if err := m.refresh(refreshCtx, force); err != nil {
			// A stale-but-unexpired token is still worth handing out.
			if !force && b.ExpiresAt > time.Now().UnixMilli() {
				m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Token refresh failed, using current token")
				return b.AccessToken, false, nil
			}
			return "", false, err
		}
		m.mu.Lock()
		tok := m.bundle.AccessToken
		m.mu.Unlock()
		return tok, true, nil
	}
	return b.AccessToken, false, nil
}

func (m *Manager) stale(b Bundle) bool {
	if b.ExpiresAt == 0 {
		return false
	}
	return b.ExpiresAt <= time.Now().Add(refreshBuffer).UnixMilli()
}

// Refresh exchanges the refresh token for a new bundle. Concurrent calls
// serialize; the loser re-checks and returns without a second exchange.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx, false)
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	b := m.bundle
	m.mu.Unlock()

	if b.RefreshToken == "" {
		return errors.New("token: no refresh token available")
	}
	// Someone else may have refreshed while we queued on the lock. A
	// forced refresh always exchanges.
	if !force && !m.stale(b) {
		return nil
	}

	u := m.refreshEndpoint + "?refresh_token=" + url.QueryEscape(b.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("token: refresh failed with status %d: %s", resp.StatusCode, string(raw))
	}

	var fresh Bundle
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return fmt.Errorf("token: decoding refresh response: %w", err)
	}
	if fresh.AccessToken == "" || fresh.RefreshToken == "" {
		return errors.New("token: refresh response missing tokens")
	}
	if fresh.ExpiresIn == 0 {
		fresh.ExpiresIn = defaultExpiresIn
	}
	fresh.ExpiresAt = time.Now().UnixMilli() + fresh.ExpiresIn*1000

	if err := m.persist(fresh); err != nil {
		return err
	}
	m.mu.Lock()
	m.bundle = fresh
	m.mu.Unlock()

	m.logger.Info("Access token refreshed")
	m.armTimer()
	m.notify(fresh.AccessToken)
	return nil
}

// Replace installs an externally obtained bundle, for example from the
// browser-auth flow, and persists it.
func (m *Manager) Replace(ctx context.Context, fresh Bundle) error {
	if fresh.AccessToken == "" {
		return errors.New("token: empty access token")
	}
	if fresh.ExpiresAt == 0 && fresh.ExpiresIn > 0 {
		fresh.ExpiresAt = time.Now().UnixMilli() + fresh.ExpiresIn*1000
	}
	if err := m.persist(fresh); err != nil {
		return err
	}
	m.mu.Lock()
	m.bundle = fresh
	m.mu.Unlock()
	m.armTimer()
	m.notify(fresh.AccessToken)
	return nil
}

// Validate checks the current access token against upstream.
func (m *Manager) Validate(ctx context.Context) bool {
	m.mu.Lock()
	v := m.validator
	tok := m.bundle.AccessToken
	m.mu.Unlock()
	if v == nil || tok == "" {
		return false
	}
	return v(ctx, tok)
}

// HasToken reports whether any access token is loaded.
func (m *Manager) HasToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle.AccessToken != ""
}

// ExpiresAt returns the current bundle's expiry in unix milliseconds,
// zero when unknown.
func (m *Manager) ExpiresAt() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle.ExpiresAt
}

// Subscribe registers a callback invoked after every successful refresh.
func (m *Manager) Subscribe(cb RefreshCallback) {
	m.callbacksMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.callbacksMu.Unlock()
}

func (m *Manager) notify(accessToken string) {
	m.callbacksMu.Lock()
	cbs := make([]RefreshCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		go cb(context.Background(), accessToken)
	}
}

// armTimer schedules the next refresh for expiry minus the buffer. An
// already-stale bundle refreshes immediately.
func (m *Manager) armTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.bundle.ExpiresAt == 0 {
		m.logger.Debug("No token expiry known, refresh timer not armed")
		return
	}
	delay := time.Until(time.UnixMilli(m.bundle.ExpiresAt)) - refreshBuffer
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, func() {
		select {
		case <-m.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshWait)
		defer cancel()
		if err := m.Refresh(ctx); err != nil {
			m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Scheduled token refresh failed")
		}
	})
	m.logger.WithFields(logging.Fields{"in": delay.Round(time.Second).String()}).Debug("Token refresh scheduled")
}

// load reads the persisted bundle. A missing or corrupt file leaves an
// empty bundle so the UI can drive re-authentication.
func (m *Manager) load() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true

	raw, err := os.ReadFile(m.tokenFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Failed to read token file")
		}
		m.bundle = Bundle{}
		return
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		m.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Token file corrupt, starting unauthenticated")
		m.bundle = Bundle{}
		return
	}
	m.bundle = b
	m.logger.Debug("Loaded token bundle from file")
}

// persist writes the bundle atomically: temp file in the same directory,
// then rename over the target.
func (m *Manager) persist(b Bundle) error {
	dir := filepath.Dir(m.tokenFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("token: creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("token: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("token: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.tokenFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("token: replacing token file: %w", err)
	}
	return nil
}
