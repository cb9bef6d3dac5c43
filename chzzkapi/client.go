// Package chzzkapi contains the REST lookups needed to open a CHZZK chat
// session (chat channel id, channel name, chat access token, user id hash) and
// the credential providers that supply the session cookies they require.
package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Default endpoints.
const (
	DefaultAPIBase     = "https://api.chzzk.naver.com"
	DefaultGameAPIBase = "https://comm-api.game.naver.com"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// ErrUnauthorized is returned when the API rejects the session cookies.
var ErrUnauthorized = errors.New("chzzk: session cookies rejected")

// ErrNotLive is returned when the channel has no chat channel (stream offline).
var ErrNotLive = errors.New("chzzk: channel has no chat channel id")

// Tokens is the chat access token pair issued for one chat channel.
type Tokens struct {
	AccessToken string
	ExtraToken  string
}

// Client performs the session bootstrap lookups.
type Client struct {
	APIBase     string
	GameAPIBase string
	Credentials *CachedProvider
	HTTPClient  *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return DefaultAPIBase
}

func (c *Client) gameBase() string {
	if c.GameAPIBase != "" {
		return c.GameAPIBase
	}
	return DefaultGameAPIBase
}

// ChatChannelID returns the chat channel id of the channel's current live session.
func (c *Client) ChatChannelID(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("channel empty")
	}
	var content struct {
		ChatChannelID *string `json:"chatChannelId"`
	}
	u := c.apiBase() + "/polling/v2/channels/" + url.PathEscape(channel) + "/live-status"
	if err := c.get(ctx, u, true, &content); err != nil {
		return "", fmt.Errorf("fetch chatChannelId: %w", err)
	}
	if content.ChatChannelID == nil || *content.ChatChannelID == "" {
		return "", ErrNotLive
	}
	return *content.ChatChannelID, nil
}

// ChannelName returns the channel's display name. It needs no cookies.
func (c *Client) ChannelName(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("channel empty")
	}
	var content struct {
		ChannelName string `json:"channelName"`
	}
	u := c.apiBase() + "/service/v1/channels/" + url.PathEscape(channel)
	if err := c.get(ctx, u, false, &content); err != nil {
		return "", fmt.Errorf("fetch channelName: %w", err)
	}
	return content.ChannelName, nil
}

// AccessToken issues a chat access token for chatChannelID.
func (c *Client) AccessToken(ctx context.Context, chatChannelID string) (Tokens, error) {
	var content struct {
		AccessToken string `json:"accessToken"`
		ExtraToken  string `json:"extraToken"`
	}
	q := url.Values{}
	q.Set("channelId", chatChannelID)
	q.Set("chatType", "STREAMING")
	u := c.gameBase() + "/nng_main/v1/chats/access-token?" + q.Encode()
	if err := c.get(ctx, u, true, &content); err != nil {
		return Tokens{}, fmt.Errorf("fetch accessToken: %w", err)
	}
	if content.AccessToken == "" {
		return Tokens{}, errors.New("fetch accessToken: empty accessToken in response")
	}
	return Tokens{AccessToken: content.AccessToken, ExtraToken: content.ExtraToken}, nil
}

// UserIDHash returns the hash identifying the logged-in user.
func (c *Client) UserIDHash(ctx context.Context) (string, error) {
	var content struct {
		UserIDHash string `json:"userIdHash"`
	}
	if err := c.get(ctx, c.gameBase()+"/nng_main/v1/user/getUserStatus", true, &content); err != nil {
		return "", fmt.Errorf("fetch userIdHash: %w", err)
	}
	if content.UserIDHash == "" {
		return "", fmt.Errorf("fetch userIdHash: %w", ErrUnauthorized)
	}
	return content.UserIDHash, nil
}

// get performs a GET and decodes the "content" member of the response envelope.
func (c *Client) get(ctx context.Context, u string, auth bool, content any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if auth {
		if c.Credentials == nil {
			return errors.New("no credential provider configured")
		}
		creds, err := c.Credentials.Get(ctx)
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		for _, ck := range creds.cookies() {
			req.AddCookie(ck)
		}
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if auth && c.Credentials != nil {
			c.Credentials.Invalidate()
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request failed: %s: %s", resp.Status, string(b))
	}
	var envelope struct {
		Code    int             `json:"code"`
		Message *string         `json:"message"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Content) == 0 || string(envelope.Content) == "null" {
		msg := ""
		if envelope.Message != nil {
			msg = *envelope.Message
		}
		return fmt.Errorf("empty content (code %d): %s", envelope.Code, msg)
	}
	return json.Unmarshal(envelope.Content, content)
}
