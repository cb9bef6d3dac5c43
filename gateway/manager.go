// Package gateway implements the chat gateway connection manager: it owns the
// socket, runs the connect → ack → recent-chat handshake, answers pings,
// watches for chat channel rotation and routes chat/donation frames to a
// chat.Sink. Any socket failure leads back through the full handshake.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/chzzkapi"
	"github.com/onnwee/chatcompanion/telemetry"
)

var (
	// ErrChannelRotated means the stream restarted under a new chat channel id.
	ErrChannelRotated = errors.New("gateway: chat channel id rotated")

	errMissingSID = errors.New("connect ack without sid")
)

// Bootstrap performs the REST lookups that precede each connect.
// *chzzkapi.Client implements it.
type Bootstrap interface {
	ChatChannelID(ctx context.Context, channel string) (string, error)
	AccessToken(ctx context.Context, chatChannelID string) (chzzkapi.Tokens, error)
	UserIDHash(ctx context.Context) (string, error)
}

// Config controls the manager.
type Config struct {
	Channel          string
	URL              string
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RecentCount      int
}

// Session is one established gateway session. It is replaced wholesale on
// every reconnect.
type Session struct {
	Channel       string
	ChatChannelID string
	AccessToken   string
	ExtraToken    string
	UserIDHash    string
	SessionID     string
	ConnectedAt   time.Time

	conn Conn
}

// Manager owns the gateway connection.
type Manager struct {
	cfg    Config
	api    Bootstrap
	dialer Dialer
	sink   chat.Sink

	// OnReconnect runs every time an established session is lost, before the
	// next connect attempt.
	OnReconnect func()

	bo *backoff.ExponentialBackOff

	mu      sync.RWMutex
	state   State
	session *Session
}

// New creates a manager. Zero config fields fall back to defaults.
func New(cfg Config, api Bootstrap, dialer Dialer, sink chat.Sink) *Manager {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = RecentCount
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.Reset()
	return &Manager{cfg: cfg, api: api, dialer: dialer, sink: sink, bo: bo}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the active session, or nil when not Active.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.state != StateActive {
		return nil
	}
	s := *m.session
	s.conn = nil
	return &s
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s != StateActive {
		m.session = nil
	}
	m.mu.Unlock()
	telemetry.SetGatewayState(int(s))
	if prev != s {
		slog.Debug("gateway state", slog.String("from", prev.String()), slog.String("to", s.String()), slog.String("component", "gateway"))
	}
}

func (m *Manager) activate(s *Session) {
	m.mu.Lock()
	m.session = s
	m.state = StateActive
	m.mu.Unlock()
	telemetry.SetGatewayState(int(StateActive))
}

// Run connects and serves until ctx is cancelled. Failed connect attempts are
// retried forever with capped exponential backoff; a lost session reconnects
// immediately.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return nil
		}
		sess, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := m.bo.NextBackOff()
			slog.Warn("gateway connect failed", slog.Any("err", err), slog.Duration("retry_in", wait), slog.String("component", "gateway"))
			m.setState(StateReconnecting)
			telemetry.IncReconnect()
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		m.bo.Reset()

		err = m.serve(ctx, sess)
		_ = sess.conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("gateway session lost, reconnecting", slog.Any("err", err), slog.String("session", sess.SessionID), slog.String("component", "gateway"))
		m.setState(StateReconnecting)
		telemetry.IncReconnect()
		if m.OnReconnect != nil {
			m.OnReconnect()
		}
	}
}

// connect runs token refresh → dial → connect → ack → recent-chat replay.
func (m *Manager) connect(ctx context.Context) (_ *Session, err error) {
	m.setState(StateConnecting)
	ctx, span := telemetry.StartSpan(ctx, "gateway", "gateway.handshake")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	start := time.Now()

	chatID, err := m.api.ChatChannelID(ctx, m.cfg.Channel)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.GatewayAttrs(m.cfg.Channel, chatID)...)
	tokens, err := m.api.AccessToken(ctx, chatID)
	if err != nil {
		return nil, err
	}
	uid, err := m.api.UserIDHash(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, err
	}
	m.setState(StateHandshaking)

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { _ = conn.Close() })
	sess, err := m.handshake(conn, chatID, uid, tokens)
	if !stop() || err != nil {
		_ = conn.Close()
		if err == nil || hctx.Err() != nil {
			err = fmt.Errorf("handshake: %w", errors.Join(hctx.Err(), err))
		}
		return nil, err
	}
	sess.AccessToken = tokens.AccessToken
	sess.ExtraToken = tokens.ExtraToken
	sess.ConnectedAt = time.Now()

	m.activate(sess)
	if telemetry.HandshakeDuration != nil {
		telemetry.HandshakeDuration.Observe(time.Since(start).Seconds())
	}
	slog.Info("gateway connected", slog.String("channel", m.cfg.Channel), slog.String("chat_channel_id", chatID), slog.String("session", sess.SessionID), slog.String("component", "gateway"))
	return sess, nil
}

func (m *Manager) handshake(conn Conn, chatID, uid string, tokens chzzkapi.Tokens) (*Session, error) {
	if err := writeFrame(conn, connectFrame(chatID, uid, tokens.AccessToken)); err != nil {
		return nil, err
	}
	ack, err := awaitFrame(conn, CmdConnected)
	if err != nil {
		return nil, fmt.Errorf("await connect ack: %w", err)
	}
	if ack.RetCode != 0 {
		return nil, fmt.Errorf("connect rejected: retCode %d %s", ack.RetCode, ack.RetMsg)
	}
	sid, err := sessionID(ack)
	if err != nil {
		return nil, fmt.Errorf("connect ack: %w", err)
	}
	if err := writeFrame(conn, recentChatFrame(chatID, sid, m.cfg.RecentCount)); err != nil {
		return nil, err
	}
	if _, err := awaitFrame(conn, CmdRecentChat); err != nil {
		return nil, fmt.Errorf("await recent chat: %w", err)
	}
	return &Session{
		Channel:       m.cfg.Channel,
		ChatChannelID: chatID,
		UserIDHash:    uid,
		SessionID:     sid,
		conn:          conn,
	}, nil
}

// awaitFrame reads until a frame with cmd arrives, answering pings on the way.
func awaitFrame(conn Conn, cmd int) (Frame, error) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return Frame{}, err
			}
			slog.Debug("skipping undecodable frame during handshake", slog.Any("err", err), slog.String("component", "gateway"))
			continue
		}
		switch f.Cmd {
		case cmd:
			return f, nil
		case CmdPing:
			if err := writeFrame(conn, pongFrame()); err != nil {
				return Frame{}, err
			}
		}
	}
}

// serve dispatches frames of an Active session until the socket fails or the
// chat channel rotates.
func (m *Manager) serve(ctx context.Context, sess *Session) error {
	stop := context.AfterFunc(ctx, func() { _ = sess.conn.Close() })
	defer stop()
	for {
		f, err := readFrame(sess.conn)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return err
			}
			slog.Warn("malformed frame skipped", slog.Any("err", err), slog.String("component", "gateway"))
			continue
		}
		telemetry.IncFrame(CommandName(f.Cmd))

		switch f.Cmd {
		case CmdPing:
			if err := writeFrame(sess.conn, pongFrame()); err != nil {
				return err
			}
			if m.rotated(ctx, sess) {
				return ErrChannelRotated
			}
		case CmdChat, CmdDonation:
			kind := chat.KindChat
			if f.Cmd == CmdDonation {
				kind = chat.KindDonation
			}
			m.route(kind, f.Bdy)
		default:
			slog.Debug("frame ignored", slog.String("cmd", cmdString(f.Cmd)), slog.String("component", "gateway"))
		}
	}
}

// rotated re-validates the chat channel id. Lookup failures keep the session.
func (m *Manager) rotated(ctx context.Context, sess *Session) bool {
	current, err := m.api.ChatChannelID(ctx, sess.Channel)
	if err != nil {
		slog.Debug("chat channel check failed", slog.Any("err", err), slog.String("component", "gateway"))
		return false
	}
	if current != sess.ChatChannelID {
		slog.Info("chat channel rotated", slog.String("old", sess.ChatChannelID), slog.String("new", current), slog.String("component", "gateway"))
		return true
	}
	return false
}

func (m *Manager) route(kind chat.Kind, body json.RawMessage) {
	events, err := chat.Decode(kind, body)
	if err != nil {
		slog.Warn("chat entries skipped", slog.String("kind", kind.String()), slog.Any("err", err), slog.String("component", "gateway"))
	}
	for _, ev := range events {
		if !m.sink.Submit(ev) {
			slog.Warn("event dropped: queue full", slog.String("author", ev.Author), slog.String("component", "gateway"))
		}
	}
}

func readFrame(conn Conn) (Frame, error) {
	data, err := conn.ReadMessage()
	if err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func writeFrame(conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return err
	}
	return nil
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
