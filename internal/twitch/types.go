package twitch

// EventKind identifies the stream transition a subscription fires on.
type EventKind string

const (
	StreamOnline  EventKind = "stream.online"
	StreamOffline EventKind = "stream.offline"
)

// Complement returns the opposite transition. A channel currently live is
// watched for stream.offline and vice versa.
func (k EventKind) Complement() EventKind {
	if k == StreamOnline {
		return StreamOffline
	}
	return StreamOnline
}

// DesiredKind returns the event kind to subscribe to for a channel whose
// current live flag is known.
func DesiredKind(isLive bool) EventKind {
	if isLive {
		return StreamOffline
	}
	return StreamOnline
}

// ChannelInfo is the merged metadata view of an upstream channel.
type ChannelInfo struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	IsLive          bool   `json:"is_live"`
	Title           string `json:"title"`
	Thumbnail       string `json:"thumbnail"`
	ProfileImageURL string `json:"profile_image_url"`
	OfflineImageURL string `json:"offline_image_url"`
	ViewerCount     int    `json:"viewer_count"`
	Game            string `json:"game"`
}

// Subscription is one installed push interest as upstream reports it.
type Subscription struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"type"`
	ChannelID string    `json:"channel_id"`
	SessionID string    `json:"session_id"`
	CreatedAt string    `json:"created_at"`
}
