// Package youtubeapi reads YouTube live chat through the YouTube Data API and
// forwards each message as a chat.Event. Access uses an API key, or an OAuth
// token persisted via the TokenStore so it can be refreshed across restarts.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatcompanion/chat"
)

const provider = "youtube"

// Message types that carry text worth answering.
const (
	typeText       = "textMessageEvent"
	typeSuperChat  = "superChatEvent"
	typeSuperStick = "superStickerEvent"
)

// ErrNoLiveChat is returned when the video has no active live chat.
var ErrNoLiveChat = errors.New("youtube: video has no active live chat")

// TokenStore persists the YouTube OAuth token; db.Store implements it.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// storedTokenSource reads the persisted token, refreshes it when close to
// expiry and writes the refreshed token back.
type storedTokenSource struct {
	ctx   context.Context
	oauth *oauth2.Config
	db    TokenStore
}

func (s *storedTokenSource) Token() (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(s.ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no youtube token stored")
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	// the columns win over raw, which may predate a background refresh
	tok.AccessToken = access
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(s.ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	rawBytes, _ := json.Marshal(newTok)
	if err := s.db.UpsertOAuthToken(s.ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(rawBytes)); err != nil {
		slog.Warn("persist refreshed youtube token", slog.Any("err", err))
	}
	return newTok, nil
}

// OAuthOption returns a client option backed by the stored youtube token.
func OAuthOption(ctx context.Context, clientID, clientSecret string, db TokenStore) option.ClientOption {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{yt.YoutubeReadonlyScope},
	}
	ts := oauth2.ReuseTokenSource(nil, &storedTokenSource{ctx: ctx, oauth: cfg, db: db})
	return option.WithTokenSource(ts)
}

// LiveChatSource polls one video's live chat.
type LiveChatSource struct {
	VideoID string
	// MinInterval is the lower bound on the wait between polls; the API's
	// suggested interval is used when it is longer.
	MinInterval time.Duration

	svc   *yt.Service
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewLiveChatSource builds a source from client options, typically
// option.WithAPIKey or OAuthOption.
func NewLiveChatSource(ctx context.Context, videoID string, minInterval time.Duration, opts ...option.ClientOption) (*LiveChatSource, error) {
	if videoID == "" {
		return nil, errors.New("youtube: video id empty")
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	return &LiveChatSource{VideoID: videoID, MinInterval: minInterval, svc: svc, now: time.Now, sleep: sleepCtx}, nil
}

// liveChatID resolves the video's active live chat id.
func (s *LiveChatSource) liveChatID(ctx context.Context) (string, error) {
	resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).Id(s.VideoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube videos.list: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil || resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return "", ErrNoLiveChat
	}
	return resp.Items[0].LiveStreamingDetails.ActiveLiveChatId, nil
}

// Run polls until ctx is cancelled or the chat ends, submitting messages
// published after the source started.
func (s *LiveChatSource) Run(ctx context.Context, sink chat.Sink) error {
	logger := slog.With(slog.String("component", "youtube"), slog.String("video", s.VideoID))
	chatID, err := s.liveChatID(ctx)
	if err != nil {
		return err
	}
	logger.Info("youtube live chat attached", slog.String("live_chat_id", chatID))
	started := s.now()
	pageToken := ""
	for {
		call := s.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("youtube poll failed", slog.Any("err", err))
			if !s.sleep(ctx, s.MinInterval) {
				return ctx.Err()
			}
			continue
		}
		if resp.OfflineAt != "" {
			logger.Info("youtube live chat ended")
			return nil
		}
		for _, item := range resp.Items {
			ev, ok := toEvent(item)
			if !ok || ev.SentAt.Before(started) {
				continue
			}
			if !sink.Submit(ev) {
				logger.Warn("youtube event dropped", slog.String("author", ev.Author))
			}
		}
		pageToken = resp.NextPageToken
		wait := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if wait < s.MinInterval {
			wait = s.MinInterval
		}
		if !s.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// toEvent converts a live chat message. Super chats and super stickers are
// donations; other message types are ignored.
func toEvent(m *yt.LiveChatMessage) (chat.Event, bool) {
	if m == nil || m.Snippet == nil || m.AuthorDetails == nil {
		return chat.Event{}, false
	}
	kind := chat.KindChat
	switch m.Snippet.Type {
	case typeText:
	case typeSuperChat, typeSuperStick:
		kind = chat.KindDonation
	default:
		return chat.Event{}, false
	}
	msg := m.Snippet.DisplayMessage
	if msg == "" && m.Snippet.SuperChatDetails != nil {
		msg = m.Snippet.SuperChatDetails.UserComment
	}
	if msg == "" || m.AuthorDetails.DisplayName == "" {
		return chat.Event{}, false
	}
	sentAt, err := time.Parse(time.RFC3339, m.Snippet.PublishedAt)
	if err != nil {
		return chat.Event{}, false
	}
	return chat.Event{
		Author:   m.AuthorDetails.DisplayName,
		Message:  msg,
		Kind:     kind,
		SentAt:   sentAt,
		Platform: chat.PlatformYouTube,
	}, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
