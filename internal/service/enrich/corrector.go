// Package enrich annotates existing transcript segments with corrections
// and translations without blocking recognition.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"live-transcription-service/internal/apperr"
)

// CorrectionItem is one segment sent for correction.
type CorrectionItem struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// Correction is one corrected segment returned by the backend.
type Correction struct {
	ID        int64  `json:"id"`
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

// Corrector proofreads a batch of segments. Only segments present in the
// result are considered changed.
type Corrector interface {
	Correct(ctx context.Context, items []CorrectionItem, language string, phraseHints []string) ([]Correction, error)
}

// CorrectorConfig holds the correction endpoint settings.
type CorrectorConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPCorrector posts correction batches as JSON.
type HTTPCorrector struct {
	cfg    CorrectorConfig
	client *http.Client
}

// NewHTTPCorrector creates a correction client.
func NewHTTPCorrector(cfg CorrectorConfig) *HTTPCorrector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPCorrector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Validate checks the endpoint.
func (c *HTTPCorrector) Validate() error {
	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		return apperr.Configuration("enrich.corrector", "endpoint is empty")
	}
	if u, err := url.Parse(c.cfg.Endpoint); err != nil || u.Host == "" {
		return apperr.Configuration("enrich.corrector", fmt.Sprintf("invalid endpoint %q", c.cfg.Endpoint))
	}
	return nil
}

type correctionRequest struct {
	Segments   []CorrectionItem `json:"segments"`
	Language   string           `json:"language"`
	PhraseList []string         `json:"phraseList,omitempty"`
}

type correctionResponse struct {
	Corrections []Correction `json:"corrections"`
}

func (c *HTTPCorrector) Correct(ctx context.Context, items []CorrectionItem, language string, phraseHints []string) ([]Correction, error) {
	body, err := json.Marshal(correctionRequest{
		Segments:   items,
		Language:   language,
		PhraseList: phraseHints,
	})
	if err != nil {
		return nil, fmt.Errorf("encode correction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create correction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("correction request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("correction error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out correctionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode correction response: %w", err)
	}
	return out.Corrections, nil
}
