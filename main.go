// Command chatcompanion is a live-stream chat companion for CHZZK.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the chat log (flat files, Postgres or SQLite) and runs migrations.
//   - Keeps a CHZZK chat session alive and feeds its messages, plus optional
//     Twitch and YouTube chat, to the response engine.
//   - Answers through a local LLM, translates, and speaks replies aloud;
//     talks to itself when chat goes quiet.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and
//     admin controls.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/chatlog"
	"github.com/onnwee/chatcompanion/chzzkapi"
	"github.com/onnwee/chatcompanion/config"
	"github.com/onnwee/chatcompanion/db"
	"github.com/onnwee/chatcompanion/engine"
	"github.com/onnwee/chatcompanion/gateway"
	"github.com/onnwee/chatcompanion/idle"
	"github.com/onnwee/chatcompanion/llm"
	"github.com/onnwee/chatcompanion/oauth"
	"github.com/onnwee/chatcompanion/server"
	"github.com/onnwee/chatcompanion/speech"
	"github.com/onnwee/chatcompanion/telemetry"
	"github.com/onnwee/chatcompanion/translate"
	"github.com/onnwee/chatcompanion/youtubeapi"
)

// logSpeaker stands in for speech when ElevenLabs is not configured.
type logSpeaker struct{}

func (logSpeaker) Enqueue(text string) error {
	slog.Info("speak", slog.String("text", text), slog.String("component", "speech"))
	return nil
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatcompanion", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat log backend
	var (
		store   *db.Store
		chatLog engine.ChatLog
	)
	switch cfg.ChatStore {
	case config.StorePostgres, config.StoreSQLite:
		dialect, dsn := db.Postgres, cfg.DBDsn
		if cfg.ChatStore == config.StoreSQLite {
			dialect, dsn = db.SQLite, cfg.SQLitePath
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				slog.Error("failed to create data dir", slog.Any("err", err))
				os.Exit(1)
			}
		}
		store, err = db.Open(dialect, dsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		chatLog = store
		go db.StartRetentionJob(ctx, store, db.RetentionPolicy{KeepDays: cfg.RetentionDays, Interval: cfg.RetentionEvery})
	default:
		fl, err := chatlog.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open chat log", slog.Any("err", err))
			os.Exit(1)
		}
		defer fl.Close()
		chatLog = fl
	}

	// Session cookies
	var provider chzzkapi.CredentialProvider
	switch cfg.CookieSource {
	case config.CookieSourceFile:
		provider = chzzkapi.FileProvider{Path: cfg.CookieFile, RotateEvery: cfg.CookieRotate}
	case config.CookieSourceDB:
		provider = chzzkapi.StoredProvider{Store: store}
	default:
		provider = chzzkapi.StaticProvider{Creds: chzzkapi.Credentials{Auth: cfg.NIDAuth, Session: cfg.NIDSession}}
	}
	api := &chzzkapi.Client{
		APIBase:     cfg.ChzzkAPIBase,
		GameAPIBase: cfg.ChzzkGameAPIBase,
		Credentials: &chzzkapi.CachedProvider{Provider: provider},
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}
	if name, err := api.ChannelName(ctx, cfg.ChzzkChannel); err != nil {
		slog.Warn("channel lookup failed", slog.String("channel", cfg.ChzzkChannel), slog.Any("err", err))
	} else {
		slog.Info("channel resolved", slog.String("channel", cfg.ChzzkChannel), slog.String("name", name))
	}

	// Persona
	persona := engine.DefaultPersona()
	if cfg.PersonaFile != "" {
		if persona, err = engine.LoadPersona(cfg.PersonaFile); err != nil {
			slog.Error("failed to load persona", slog.String("path", cfg.PersonaFile), slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Translation
	var translator engine.Translator
	if cfg.NativeLocale != cfg.OutputLocale {
		g, err := translate.NewGoogle(ctx, cfg.TranslateAPIKey)
		if err != nil {
			slog.Error("translation unavailable", slog.Any("err", err))
			os.Exit(1)
		}
		translator = g
	}

	// Speech
	var (
		speaker     engine.Speaker = logSpeaker{}
		speechQueue *speech.Queue
	)
	if cfg.SpeechEnabled() {
		synth := &speech.ElevenLabs{
			BaseURL: cfg.ElevenLabsBase,
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
			Settings: speech.VoiceSettings{
				Stability:       cfg.ElevenLabsStability,
				SimilarityBoost: cfg.ElevenLabsSimilarity,
			},
		}
		speechQueue = speech.NewQueue(synth, speech.CommandPlayer{Command: cfg.PlayerCommand}, cfg.SpeechQueueSize)
		speaker = speechQueue
		go func() {
			if err := speechQueue.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("speech worker exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("ElevenLabs not configured; replies are logged only", slog.String("component", "speech"))
	}

	// Engine
	completer := llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	slog.Info("completion backend", slog.String("url", cfg.OllamaURL), slog.String("model", completer.Model()), slog.String("component", "llm"))
	eng := engine.New(engine.Config{
		Persona:          persona,
		NativeLocale:     cfg.NativeLocale,
		OutputLocale:     cfg.OutputLocale,
		GreetingCooldown: cfg.GreetingCooldown,
	}, engine.Deps{
		Completer:  completer,
		Translator: translator,
		Speaker:    speaker,
		Log:        chatLog,
	})
	if store != nil {
		if err := server.RestorePause(ctx, store, eng); err != nil {
			slog.Warn("failed to restore pause flag", slog.Any("err", err))
		}
	}
	worker := engine.NewWorker(eng, idle.New(cfg.IdleThreshold, time.Now()), cfg.EventQueueSize)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("engine worker exited", slog.Any("err", err))
		}
	}()

	// CHZZK gateway
	gw := gateway.New(gateway.Config{
		Channel:          cfg.ChzzkChannel,
		URL:              cfg.ChzzkChatURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		InitialBackoff:   cfg.ReconnectInitial,
		MaxBackoff:       cfg.ReconnectMax,
		RecentCount:      cfg.RecentChatCount,
	}, api, gateway.WebSocketDialer{}, worker)
	if speechQueue != nil {
		gw.OnReconnect = func() {
			if n := speechQueue.Flush(); n > 0 {
				slog.Info("discarded pending speech on reconnect", slog.Int("count", n), slog.String("component", "speech"))
			}
		}
	}
	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway exited", slog.Any("err", err))
		}
	}()

	// Optional extra chat sources
	go chat.StartTwitchSource(ctx, chat.TwitchConfig{
		Channel:  cfg.TwitchChannel,
		Username: cfg.TwitchBotUsername,
		OAuth:    cfg.TwitchOAuthToken,
	}, worker)
	if cfg.YTVideoID != "" {
		if store != nil && cfg.YTClientID != "" {
			// keep the stored youtube token fresh between polls
			oauth.StartRefresher(ctx, store, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint}
				newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
			})
		}
		go runYouTube(ctx, cfg, store, worker)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{Gateway: gw, Engine: eng, Inject: worker, Events: worker}
	if store != nil {
		deps.Store = store
	}
	if speechQueue != nil {
		deps.Speech = speechQueue
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// runYouTube attaches to the configured video's live chat. It prefers the API
// key and falls back to the stored OAuth token.
func runYouTube(ctx context.Context, cfg *config.Config, store *db.Store, sink chat.Sink) {
	var opt option.ClientOption
	switch {
	case cfg.YTAPIKey != "":
		opt = option.WithAPIKey(cfg.YTAPIKey)
	case store != nil && cfg.YTClientID != "":
		opt = youtubeapi.OAuthOption(ctx, cfg.YTClientID, cfg.YTClientSecret, store)
	default:
		slog.Warn("YT_VIDEO_ID set but no YT_API_KEY or stored youtube token; skipping youtube source")
		return
	}
	src, err := youtubeapi.NewLiveChatSource(ctx, cfg.YTVideoID, cfg.YTPollInterval, opt)
	if err != nil {
		slog.Error("youtube source init failed", slog.Any("err", err))
		return
	}
	if err := src.Run(ctx, sink); err != nil && ctx.Err() == nil {
		slog.Error("youtube source stopped", slog.Any("err", err))
	}
}
