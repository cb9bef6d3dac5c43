// Package translate localises replies with the Google Cloud Translation API.
package translate

import (
	"context"
	"errors"
	"fmt"
	"html"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	translate "google.golang.org/api/translate/v2"
)

// Google translates text with Cloud Translation v2.
type Google struct {
	svc *translate.Service
}

// NewGoogle creates a translator. An empty apiKey falls back to Application
// Default Credentials. Extra options are appended (tests use them to point at a
// local server).
func NewGoogle(ctx context.Context, apiKey string, extra ...option.ClientOption) (*Google, error) {
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else if len(extra) == 0 {
		ts, err := google.DefaultTokenSource(ctx, translate.CloudTranslationScope)
		if err != nil {
			return nil, fmt.Errorf("translate credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	opts = append(opts, extra...)
	svc, err := translate.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("translate service: %w", err)
	}
	return &Google{svc: svc}, nil
}

// Translate converts text from source to target locale. An empty source lets
// the API detect it.
func (g *Google) Translate(ctx context.Context, text, source, target string) (string, error) {
	if text == "" {
		return "", nil
	}
	if target == "" {
		return "", errors.New("translate: target locale empty")
	}
	call := g.svc.Translations.List([]string{text}, target).Format("text").Context(ctx)
	if source != "" {
		call = call.Source(source)
	}
	resp, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(resp.Translations) == 0 {
		return "", errors.New("translate: empty response")
	}
	return html.UnescapeString(resp.Translations[0].TranslatedText), nil
}
