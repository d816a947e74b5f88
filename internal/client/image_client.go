package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/clipdeck/api/internal/config"
)

// ErrImageGenerationFailed is returned after the whole retry ladder is spent.
var ErrImageGenerationFailed = errors.New("image generation failed after all attempts")

// minImageBytes: responses smaller than this are error pages disguised as
// images and count as failures.
const minImageBytes = 4 * 1024

// ImageGenerator defines the interface for producing one image per prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ImageClient renders prompts through a free, unauthenticated, rate-limited
// upstream with no SLA, cascading across fallback providers. Attempts climb a
// ladder of escalating timeouts: the upstream gets slower under load, so a
// short first timeout avoids sinking the budget into one doomed attempt while
// a generous last one maximizes the odds before giving up. Keep the ladder
// shape; do not flatten it to fixed-timeout retries.
type ImageClient struct {
	httpClient *http.Client
	providers  []string
	width      int
	height     int

	// attempt timeouts, overridable in tests
	rungs []time.Duration
}

// NewImageClient creates a new image generation client.
func NewImageClient(cfg *config.ImageConfig) *ImageClient {
	providers := append([]string{cfg.BaseURL}, cfg.FallbackURLs...)
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 576
	}
	return &ImageClient{
		// No client-level timeout: each attempt carries its own rung deadline.
		httpClient: &http.Client{},
		providers:  providers,
		width:      width,
		height:     height,
		rungs: []time.Duration{
			25 * time.Second,
			35 * time.Second,
			50 * time.Second,
			70 * time.Second,
			90 * time.Second,
		},
	}
}

// Generate returns the rendered image bytes for a prompt, or
// ErrImageGenerationFailed once the retry ladder is exhausted.
func (c *ImageClient) Generate(ctx context.Context, prompt string) ([]byte, error) {
	var lastErr error

	for attempt, timeout := range c.rungs {
		provider := c.providers[attempt%len(c.providers)]
		// Fresh seed per attempt so a retry never hits a cached failure.
		seed := rand.Int63()

		data, err := c.fetchImage(ctx, provider, prompt, seed, timeout)
		if err == nil {
			log.Printf("[Image API] Generated image on attempt %d (%d bytes)", attempt+1, len(data))
			return data, nil
		}

		lastErr = err
		log.Printf("[Image API] Attempt %d/%d failed (timeout %s): %v", attempt+1, len(c.rungs), timeout, err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrImageGenerationFailed, lastErr)
}

func (c *ImageClient) fetchImage(ctx context.Context, provider, prompt string, seed int64, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/prompt/%s?width=%d&height=%d&seed=%d&nologo=true",
		provider, url.PathEscape(prompt), c.width, c.height, seed)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}

	// Small "images" are error pages in disguise.
	if len(data) < minImageBytes {
		return nil, fmt.Errorf("response too small to be an image (%d bytes)", len(data))
	}

	return data, nil
}
