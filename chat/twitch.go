package chat

import (
	"context"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchConfig holds the IRC credentials for the optional Twitch source.
type TwitchConfig struct {
	Channel  string
	Username string
	OAuth    string
}

// Enabled reports whether all credentials are present.
func (c TwitchConfig) Enabled() bool {
	return c.Channel != "" && c.Username != "" && c.OAuth != ""
}

// FromTwitch converts an IRC private message into an Event. Messages carrying
// bits are treated as donations.
func FromTwitch(msg twitch.PrivateMessage) Event {
	kind := KindChat
	if msg.Bits > 0 {
		kind = KindDonation
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	sentAt := msg.Time
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return Event{
		Author:   name,
		Message:  msg.Message,
		Kind:     kind,
		SentAt:   sentAt,
		Platform: PlatformTwitch,
	}
}

// StartTwitchSource joins the configured Twitch channel and submits every
// chat message to sink until ctx is cancelled.
func StartTwitchSource(ctx context.Context, cfg TwitchConfig, sink Sink) {
	if !cfg.Enabled() {
		slog.Info("twitch creds not set; skipping twitch source")
		return
	}
	client := twitch.NewClient(cfg.Username, cfg.OAuth)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ev := FromTwitch(msg)
		if !sink.Submit(ev) {
			slog.Warn("twitch event dropped", slog.String("author", ev.Author), slog.String("component", "twitch"))
		}
	})

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.Channel)
	slog.Info("twitch source joining", slog.String("channel", cfg.Channel))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}
