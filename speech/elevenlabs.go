// Package speech synthesises replies with ElevenLabs and plays them through an
// external audio player, one utterance at a time.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ElevenLabs defaults.
const (
	DefaultElevenLabsBase = "https://api.elevenlabs.io"
	DefaultModelID        = "eleven_multilingual_v2"
)

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// VoiceSettings are passed through to the text-to-speech request.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabs calls the text-to-speech endpoint and returns MP3 audio.
type ElevenLabs struct {
	BaseURL  string
	APIKey   string
	VoiceID  string
	ModelID  string
	Settings VoiceSettings
	Client   *http.Client
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// Synthesize posts text to /v1/text-to-speech/{voice} and returns the body.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.APIKey == "" || e.VoiceID == "" {
		return nil, errors.New("elevenlabs: api key and voice id are required")
	}
	base := e.BaseURL
	if base == "" {
		base = DefaultElevenLabsBase
	}
	model := e.ModelID
	if model == "" {
		model = DefaultModelID
	}
	body, err := json.Marshal(ttsRequest{Text: text, ModelID: model, VoiceSettings: e.Settings})
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(e.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.APIKey)

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs read: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio")
	}
	return audio, nil
}
