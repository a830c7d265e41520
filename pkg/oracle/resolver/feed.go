package resolver

import (
	"context"
	"encoding/json"

	"github.com/phenomenon0/prophetia/pkg/wss"
	"github.com/rs/zerolog"
)

// MessageTypeResolution is the type field of resolution messages on the feed.
const MessageTypeResolution = "resolution"

// feedMessage is the envelope pushed by the resolution service.
type feedMessage struct {
	Type string     `json:"type"`
	Data Resolution `json:"data"`
}

type subscribeRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Handler is called for every resolution received on the feed.
type Handler func(ctx context.Context, r Resolution) error

// Feed follows the resolution service's WebSocket stream.
type Feed struct {
	client *wss.Client
	log    zerolog.Logger
}

// NewFeed creates a feed for the WebSocket endpoint at url.
func NewFeed(url string, log zerolog.Logger) *Feed {
	cfg := wss.DefaultConfig(url)
	cfg.Logger = log
	return NewFeedWithConfig(cfg, log)
}

// NewFeedWithConfig creates a feed from a full client configuration. The
// subscribe request is appended to cfg.Hello so it is repeated after every
// reconnect.
func NewFeedWithConfig(cfg wss.Config, log zerolog.Logger) *Feed {
	cfg.Hello = append(cfg.Hello, subscribeRequest{Action: "subscribe", Channel: "resolutions"})
	return &Feed{
		client: wss.NewClient(cfg),
		log:    log.With().Str("component", "resolver-feed").Logger(),
	}
}

// Run calls handle for each resolution until ctx is cancelled. Malformed
// messages and handler errors are logged and do not stop the feed.
// Resolutions are handled one at a time in arrival order.
func (f *Feed) Run(ctx context.Context, handle Handler) error {
	f.log.Info().Msg("[FEED] following resolutions")
	return f.client.Run(ctx, func(data []byte) {
		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Warn().Err(err).Msg("[FEED] malformed message")
			return
		}
		if msg.Type != MessageTypeResolution {
			return
		}
		if msg.Data.PredictionID == "" {
			f.log.Warn().Msg("[FEED] resolution without prediction id")
			return
		}
		if err := handle(ctx, msg.Data); err != nil {
			f.log.Error().Err(err).Str("prediction_id", msg.Data.PredictionID).Msg("[FEED] handle resolution")
		}
	})
}

// Close stops the feed.
func (f *Feed) Close() error {
	return f.client.Close()
}
