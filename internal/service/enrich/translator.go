package enrich

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

	"live-transcription-service/internal/apperr"
)

const defaultTranslatorEndpoint = "https://api.cognitive.microsofttranslator.com"

// Translator translates one text between two languages.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// NormalizeLanguage reduces a language tag to its primary subtag:
// "ja-JP" becomes "ja".
func NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// TranslatorConfig holds the translation service settings.
type TranslatorConfig struct {
	Endpoint string
	Key      string
	Region   string
	Timeout  time.Duration
}

// HTTPTranslator calls a Translator Text v3 compatible endpoint.
type HTTPTranslator struct {
	cfg    TranslatorConfig
	client *http.Client
}

// NewHTTPTranslator creates a translation client.
func NewHTTPTranslator(cfg TranslatorConfig) *HTTPTranslator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTranslatorEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPTranslator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Validate checks credentials and region.
func (t *HTTPTranslator) Validate() error {
	if strings.TrimSpace(t.cfg.Key) == "" {
		return apperr.Configuration("enrich.translator", "subscription key is empty")
	}
	if strings.TrimSpace(t.cfg.Region) == "" {
		return apperr.Configuration("enrich.translator", "region is empty")
	}
	if u, err := url.Parse(t.cfg.Endpoint); err != nil || u.Host == "" {
		return apperr.Configuration("enrich.translator", fmt.Sprintf("invalid endpoint %q", t.cfg.Endpoint))
	}
	return nil
}

type translateItem struct {
	Text string `json:"Text"`
}

type translateResult struct {
	Translations []struct {
		Text string `json:"text"`
		To   string `json:"to"`
	} `json:"translations"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	q := url.Values{}
	q.Set("api-version", "3.0")
	if f := NormalizeLanguage(from); f != "" {
		q.Set("from", f)
	}
	q.Set("to", NormalizeLanguage(to))

	body, err := json.Marshal([]translateItem{{Text: text}})
	if err != nil {
		return "", fmt.Errorf("encode translation request: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.Endpoint, "/") + "/translate?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create translation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", t.cfg.Key)
	req.Header.Set("Ocp-Apim-Subscription-Region", t.cfg.Region)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("translation error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out []translateResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	if len(out) == 0 || len(out[0].Translations) == 0 {
		return "", errors.New("translation response is empty")
	}
	return out[0].Translations[0].Text, nil
}
