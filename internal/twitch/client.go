package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"crowsnest/internal/cache"
	"crowsnest/internal/clients"
	"crowsnest/internal/logging"
)

const (
	defaultGQLURL      = "https://gql.twitch.tv/gql"
	defaultSubURL      = "https://api.twitch.tv/helix/eventsub/subscriptions"
	defaultValidateURL = "https://api.twitch.tv/helix/users"

	// Public client ID accepted by the GQL endpoint.
	gqlClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

	staticTTL = 24 * time.Hour
	statusTTL = 60 * time.Second

	maxInFlight = 10
)

// TokenSource provides the current access token for authenticated calls.
type TokenSource interface {
	Get(ctx context.Context, force bool) (token string, refreshed bool, err error)
}

// Config configures the upstream client. Zero values use production
// endpoints; tests override the URLs.
type Config struct {
	GQLURL      string
	SubURL      string
	ValidateURL string
	ClientID    string
	Tokens      TokenSource
	Logger      logging.Logger
	Timeout     time.Duration
	Gate        *clients.RetryAfterGate
	Breaker     *clients.CircuitBreaker

	// Retry overrides the default backoff policy.
	Retry *clients.RetryConfig
}

// Client is the request layer over the broadcaster platform's HTTPS APIs.
// Stateless except for the in-flight limiter and the metadata cache.
type Client struct {
	httpClient  *http.Client
	gqlURL      string
	subURL      string
	validateURL string
	clientID    string
	tokens      TokenSource
	logger      logging.Logger
	limiter     *semaphore.Weighted
	cache       *cache.Cache
	retryConfig clients.RetryConfig
	gate        *clients.RetryAfterGate
}

// NewClient creates an upstream client.
func NewClient(cfg Config) *Client {
	if cfg.GQLURL == "" {
		cfg.GQLURL = defaultGQLURL
	}
	if cfg.SubURL == "" {
		cfg.SubURL = defaultSubURL
	}
	if cfg.ValidateURL == "" {
		cfg.ValidateURL = defaultValidateURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Gate == nil {
		cfg.Gate = &clients.RetryAfterGate{}
	}

	retryConfig := clients.DefaultRetryConfig()
	if cfg.Retry != nil {
		retryConfig = *cfg.Retry
	}
	retryConfig.Gate = cfg.Gate
	retryConfig.CircuitBreaker = cfg.Breaker

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		gqlURL:      cfg.GQLURL,
		subURL:      cfg.SubURL,
		validateURL: cfg.ValidateURL,
		clientID:    cfg.ClientID,
		tokens:      cfg.Tokens,
		logger:      cfg.Logger,
		limiter:     semaphore.NewWeighted(maxInFlight),
		cache:       cache.New(512),
		retryConfig: retryConfig,
		gate:        cfg.Gate,
	}
}

// Gate exposes the shared retry-after deadline so other subsystems can
// defer voluntarily.
func (c *Client) Gate() *clients.RetryAfterGate { return c.gate }

// gql request/response shapes

type gqlRequest struct {
	OperationName string                 `json:"operationName"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
}

type gqlUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"displayName"`
	ProfileImageURL string `json:"profileImageURL"`
	OfflineImageURL string `json:"offlineImageURL"`
	Stream          *struct {
		ID              string `json:"id"`
		Title           string `json:"title"`
		ViewersCount    int    `json:"viewersCount"`
		PreviewImageURL string `json:"previewImageURL"`
		Game            *struct {
			Name string `json:"name"`
		} `json:"game"`
	} `json:"stream"`
}

type gqlResponse struct {
	Data struct {
		User *gqlUser `json:"user"`
	} `json:"data"`
}

const lookupQuery = `
query GetUserID($login: String!) {
    user(login: $login) {
        id
        login
        displayName
    }
}`

const channelQuery = `
query GetChannelInfo($id: ID!) {
    user(id: $id) {
        id
        login
        displayName
        profileImageURL(width: 150)
        offlineImageURL
        stream {
            id
            title
            viewersCount
            previewImageURL(width: 440, height: 248)
            game {
                name
            }
        }
    }
}`

// LookupChannelID resolves a display name to an upstream channel ID.
func (c *Client) LookupChannelID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return "", &APIError{Kind: KindNotFound, Op: "lookup-id", Message: "empty login"}
	}
	user, err := c.gql(ctx, "lookup-id", gqlRequest{
		OperationName: "GetUserID",
		Query:         lookupQuery,
		Variables:     map[string]interface{}{"login": login},
	})
	if err != nil {
		return "", err
	}
	if user == nil || user.ID == "" {
		return "", &APIError{Kind: KindNotFound, Op: "lookup-id", Message: "no such channel: " + login}
	}
	return user.ID, nil
}

// GetChannel returns channel metadata through the read-through cache:
// static fields are held for 24h, live-status fields for 60s.
func (c *Client) GetChannel(ctx context.Context, id string) (ChannelInfo, error) {
	if id == "" {
		return ChannelInfo{}, &APIError{Kind: KindNotFound, Op: "get-channel", Message: "empty channel id"}
	}

	staticVal, ok, err := c.cache.Get(ctx, "channel:"+id, staticTTL, func(ctx context.Context) (interface{}, bool, error) {
		info, err := c.fetchChannel(ctx, id)
		if err != nil {
			return nil, false, err
		}
		// Seed the status entry so the first call costs one request.
		c.cache.Set("status:"+id, liveStatus{
			IsLive: info.IsLive, Title: info.Title, Thumbnail: info.Thumbnail,
			ViewerCount: info.ViewerCount, Game: info.Game,
		}, statusTTL)
		return info, true, nil
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	if !ok {
		return ChannelInfo{}, &APIError{Kind: KindNotFound, Op: "get-channel", Message: "no such channel: " + id}
	}
	info := staticVal.(ChannelInfo)

	statusVal, ok, err := c.cache.Get(ctx, "status:"+id, statusTTL, func(ctx context.Context) (interface{}, bool, error) {
		fresh, err := c.fetchChannel(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return liveStatus{
			IsLive: fresh.IsLive, Title: fresh.Title, Thumbnail: fresh.Thumbnail,
			ViewerCount: fresh.ViewerCount, Game: fresh.Game,
		}, true, nil
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	if ok {
		st := statusVal.(liveStatus)
		info.IsLive = st.IsLive
		info.Title = st.Title
		info.Thumbnail = st.Thumbnail
		info.ViewerCount = st.ViewerCount
		info.Game = st.Game
	}
	return info, nil
}

// GetChannelFresh bypasses the cache entirely. Recorder preconditions use
// this so a stale roster cannot launch a recorder against an offline
// channel.
func (c *Client) GetChannelFresh(ctx context.Context, id string) (ChannelInfo, error) {
	info, err := c.fetchChannel(ctx, id)
	if err != nil {
		return ChannelInfo{}, err
	}
	c.cache.Set("channel:"+id, info, staticTTL)
	c.cache.Set("status:"+id, liveStatus{
		IsLive: info.IsLive, Title: info.Title, Thumbnail: info.Thumbnail,
		ViewerCount: info.ViewerCount, Game: info.Game,
	}, statusTTL)
	return info, nil
}

type liveStatus struct {
	IsLive      bool
	Title       string
	Thumbnail   string
	ViewerCount int
	Game        string
}

func (c *Client) fetchChannel(ctx context.Context, id string) (ChannelInfo, error) {
	user, err := c.gql(ctx, "get-channel", gqlRequest{
		OperationName: "GetChannelInfo",
		Query:         channelQuery,
		Variables:     map[string]interface{}{"id": id},
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	if user == nil {
		return ChannelInfo{}, &APIError{Kind: KindNotFound, Op: "get-channel", Message: "no such channel: " + id}
	}
	info := ChannelInfo{
		ID:              user.ID,
		Login:           user.Login,
		DisplayName:     user.DisplayName,
		ProfileImageURL: user.ProfileImageURL,
		OfflineImageURL: user.OfflineImageURL,
	}
	if user.Stream != nil {
		info.IsLive = true
		info.Title = user.Stream.Title
		info.Thumbnail = user.Stream.PreviewImageURL
		info.ViewerCount = user.Stream.ViewersCount
		if user.Stream.Game != nil {
			info.Game = user.Stream.Game.Name
		}
	}
	return info, nil
}

func (c *Client) gql(ctx context.Context, op string, q gqlRequest) (*gqlUser, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.limiter.Release(1)

	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-ID", gqlClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(op, resp)
	}
	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &APIError{Kind: KindTransient, Op: op, Message: "decoding response: " + err.Error()}
	}
	return out.Data.User, nil
}

// subscription CRUD

type subscriptionEnvelope struct {
	Data []struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
		Transport struct {
			Method    string `json:"method"`
			SessionID string `json:"session_id"`
		} `json:"transport"`
	} `json:"data"`
}

// ListSubscriptions returns all websocket-transport push subscriptions
// visible to the credential.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	resp, err := c.authedRequest(ctx, "list-subs", http.MethodGet, c.subURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse("list-subs", resp)
	}
	var env subscriptionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &APIError{Kind: KindTransient, Op: "list-subs", Message: "decoding response: " + err.Error()}
	}
	subs := make([]Subscription, 0, len(env.Data))
	for _, d := range env.Data {
		if d.Transport.Method != "websocket" {
			continue
		}
		subs = append(subs, Subscription{
			ID:        d.ID,
			Kind:      EventKind(d.Type),
			ChannelID: d.Condition.BroadcasterUserID,
			SessionID: d.Transport.SessionID,
			CreatedAt: d.CreatedAt,
		})
	}
	return subs, nil
}

// CreateSubscription installs a push subscription for (kind, channelID) on
// the given websocket session. "Already exists" is reported as success
// with an empty ID; the adoption pass picks up the real one.
func (c *Client) CreateSubscription(ctx context.Context, kind EventKind, channelID, sessionID string) (string, error) {
	payload := map[string]interface{}{
		"type":    string(kind),
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": channelID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := c.authedRequest(ctx, "create-sub", http.MethodPost, c.subURL, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		var env subscriptionEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return "", &APIError{Kind: KindTransient, Op: "create-sub", Message: "decoding response: " + err.Error()}
		}
		if len(env.Data) == 0 {
			return "", &APIError{Kind: KindTransient, Op: "create-sub", Message: "empty response"}
		}
		return env.Data[0].ID, nil
	case http.StatusConflict:
		// Semantically idempotent: already subscribed is success.
		return "", nil
	default:
		return "", c.errorFromResponse("create-sub", resp)
	}
}

// DeleteSubscription removes a subscription by ID. Missing subscriptions
// return a not-found error the caller may ignore.
func (c *Client) DeleteSubscription(ctx context.Context, subID string) error {
	resp, err := c.authedRequest(ctx, "delete-sub", http.MethodDelete, c.subURL+"?id="+subID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return c.errorFromResponse("delete-sub", resp)
	}
}

// ValidateToken performs a lightweight identity call with an explicit
// token and reports whether upstream accepts it.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.validateURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// authedRequest performs a bearer-authenticated call. A 401 triggers one
// forced refresh through the token manager's single flight and one
// retry; a second rejection surfaces to the caller.
func (c *Client) authedRequest(ctx context.Context, op, method, url string, body []byte) (*http.Response, error) {
	resp, err := c.doAuthed(ctx, op, method, url, body, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()
	if c.logger != nil {
		c.logger.WithFields(logging.Fields{"op": op}).Warn("Credential rejected upstream, forcing token refresh")
	}
	return c.doAuthed(ctx, op, method, url, body, true)
}

func (c *Client) doAuthed(ctx context.Context, op, method, url string, body []byte, forceToken bool) (*http.Response, error) {
	if c.tokens == nil {
		return nil, &APIError{Kind: KindCredentialRejected, Op: op, Message: "no token source configured"}
	}
	token, _, err := c.tokens.Get(ctx, forceToken)
	if err != nil || token == "" {
		return nil, &APIError{Kind: KindCredentialRejected, Op: op, Message: "no access token available"}
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.limiter.Release(1)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Op: op, Message: err.Error()}
	}
	return resp, nil
}

func (c *Client) errorFromResponse(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	kind := classifyStatus(resp.StatusCode)
	if kind == KindRateLimited && strings.Contains(strings.ToLower(msg), "cost") {
		kind = KindCostExceeded
	}
	if c.logger != nil && kind != KindNotFound {
		c.logger.WithFields(logging.Fields{
			"op":     op,
			"status": resp.StatusCode,
			"kind":   kind.String(),
		}).Warn("Upstream request failed")
	}
	return &APIError{Kind: kind, Op: op, StatusCode: resp.StatusCode, Message: msg}
}

// String renders a compact identity for logs.
func (c *Client) String() string {
	return fmt.Sprintf("twitch.Client(%s)", c.subURL)
}
