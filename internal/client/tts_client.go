package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clipdeck/api/internal/config"
)

// SpeechSynthesizer defines the interface for the speech synthesis capability.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// TTSClient implements SpeechSynthesizer against the speech microservice.
type TTSClient struct {
	httpClient   *http.Client
	baseURL      string
	defaultVoice string
}

type synthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	Format  string `json:"format,omitempty"`
}

// NewTTSClient creates a new speech synthesis client.
func NewTTSClient(cfg *config.TTSConfig) *TTSClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &TTSClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      cfg.ServiceURL,
		defaultVoice: cfg.DefaultVoice,
	}
}

// Synthesize converts narration text to audio bytes (mp3).
func (c *TTSClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if voiceID == "" {
		voiceID = c.defaultVoice
	}

	bodyBytes, err := json.Marshal(synthesizeRequest{Text: text, VoiceID: voiceID, Format: "mp3"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tts service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if len(respBody) == 0 {
		return nil, fmt.Errorf("tts service returned empty audio")
	}

	return respBody, nil
}

// HealthCheck checks if the speech service is available.
func (c *TTSClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *TTSClient) IsConfigured() bool {
	return c.baseURL != ""
}
