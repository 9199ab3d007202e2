package eventsub

// Wire envelope for push-multiplexer frames. Every frame carries metadata
// naming its type; the payload shape depends on the type.

const (
	msgWelcome      = "session_welcome"
	msgKeepalive    = "session_keepalive"
	msgNotification = "notification"
	msgReconnect    = "session_reconnect"
	msgRevocation   = "revocation"
)

type frame struct {
	Metadata frameMetadata `json:"metadata"`
	Payload  framePayload  `json:"payload"`
}

type frameMetadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	SubscriptionType string `json:"subscription_type,omitempty"`
}

type framePayload struct {
	Session      *sessionPayload      `json:"session,omitempty"`
	Subscription *subscriptionPayload `json:"subscription,omitempty"`
	Event        *eventPayload        `json:"event,omitempty"`
}

type sessionPayload struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	ReconnectURL            string `json:"reconnect_url,omitempty"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
}

type subscriptionPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
}

type eventPayload struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`

	// Type distinguishes real live broadcasts from reruns and premieres
	// on stream.online events.
	Type string `json:"type,omitempty"`
}
