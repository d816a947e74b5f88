package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/clipdeck/api/internal/config"
)

// Merge result statuses
const (
	MergeStatusProcessing = "processing"
	MergeStatusCompleted  = "completed"
	MergeStatusFailed     = "failed"
)

// RenderProvider defines the interface for the external merge service.
type RenderProvider interface {
	HealthCheck(ctx context.Context) *HealthStatus
	WakeUp(ctx context.Context, maxAttempts int) error
	StartMerge(ctx context.Context, req *MergeRequest) *MergeResult
	CheckStatus(ctx context.Context, jobID string) (*MergeResult, error)
}

// HealthStatus classifies one probe of the provider's root URL.
type HealthStatus struct {
	Healthy        bool   `json:"healthy"`
	IsSleeping     bool   `json:"isSleeping"`
	StatusCode     int    `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

// MergeRequest carries the media URLs for one merge operation.
type MergeRequest struct {
	Images       []string `json:"images"`
	Videos       []string `json:"videos,omitempty"`
	AudioURL     string   `json:"audio_url"`
	OutputFormat string   `json:"output_format,omitempty"`
}

// MergeResult is the typed outcome of a start or status call. Provider
// failures travel as data in this struct, never as panics or handler errors:
// the callers run under strict invocation budgets and must always get the
// chance to persist diagnostic state.
type MergeResult struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	OutputURL string `json:"outputUrl,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RenderClient talks to the third-party merge service: a container that may
// be cold, answer with HTML error pages instead of JSON, and forget its jobs
// across restarts.
type RenderClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	wakeMaxAttempts int

	// overridable in tests
	wakeBackoff time.Duration
	settleDelay time.Duration
}

// NewRenderClient creates a new render provider client.
func NewRenderClient(cfg *config.RenderConfig) *RenderClient {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	wakeAttempts := cfg.WakeMaxAttempts
	if wakeAttempts <= 0 {
		wakeAttempts = 3
	}
	return &RenderClient{
		httpClient: &http.Client{
			Timeout: timeout,
			// 301/302 from the provider prove it is awake; don't follow them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		wakeMaxAttempts: wakeAttempts,
		wakeBackoff:     10 * time.Second,
		settleDelay:     7 * time.Second,
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *RenderClient) IsConfigured() bool {
	return c.baseURL != ""
}

// HealthCheck probes the provider's root URL and classifies the response.
// 200, 405, 301 and 302 all prove the container is awake; a generic "method
// not allowed" is as good as an OK for that purpose.
func (c *RenderClient) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return &HealthStatus{Error: fmt.Sprintf("failed to create request: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &HealthStatus{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Error:          fmt.Sprintf("provider unreachable: %v", err),
		}
	}
	defer resp.Body.Close()

	body := readBodyCapped(resp.Body)
	hs := &HealthStatus{
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}

	if isHTMLErrorPage(body, resp.StatusCode) {
		hs.IsSleeping = looksSleeping(body, resp.StatusCode)
		hs.Error = fmt.Sprintf("provider returned an error page (status %d)", resp.StatusCode)
		return hs
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMethodNotAllowed, http.StatusMovedPermanently, http.StatusFound:
		hs.Healthy = true
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		hs.IsSleeping = true
		hs.Error = fmt.Sprintf("provider gateway error (status %d)", resp.StatusCode)
	default:
		hs.Error = fmt.Sprintf("unexpected provider status %d", resp.StatusCode)
	}
	return hs
}

// WakeUp pings the provider with increasing backoff until a response with
// status < 500 is observed, then waits a settle period so the container can
// finish booting. Only useful for a sleeping provider; a hard-down one is a
// terminal failure and should not be woken.
func (c *RenderClient) WakeUp(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = c.wakeMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Printf("[Render API] Wake-up attempt %d/%d", attempt, maxAttempts)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create wake-up request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			code := resp.StatusCode
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if code < 500 {
				log.Printf("[Render API] Provider awake (status %d), settling", code)
				if err := sleepCtx(ctx, c.settleDelay); err != nil {
					return err
				}
				return nil
			}
		}

		// 10s, 20s, 30s ... between attempts
		if err := sleepCtx(ctx, time.Duration(attempt)*c.wakeBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("provider did not wake up after %d attempts", maxAttempts)
}

// StartMerge posts the media URLs to the provider's merge endpoint. Health is
// checked first, waking the provider if it is only sleeping. Every provider
// failure comes back as a failed MergeResult.
func (c *RenderClient) StartMerge(ctx context.Context, req *MergeRequest) *MergeResult {
	hs := c.HealthCheck(ctx)
	if !hs.Healthy {
		if !hs.IsSleeping {
			return failedMerge(fmt.Sprintf("render provider is down: %s", hs.Error))
		}
		log.Printf("[Render API] Provider sleeping, attempting wake-up")
		if err := c.WakeUp(ctx, c.wakeMaxAttempts); err != nil {
			return failedMerge(fmt.Sprintf("render provider failed to wake up: %v", err))
		}
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return failedMerge(fmt.Sprintf("failed to marshal merge request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/merge", bytes.NewReader(bodyBytes))
	if err != nil {
		return failedMerge(fmt.Sprintf("failed to create merge request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Printf("[Render API] → POST %s/merge (%d images, %d videos)", c.baseURL, len(req.Images), len(req.Videos))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return failedMerge(fmt.Sprintf("merge request failed: %v", err))
	}
	defer resp.Body.Close()

	body := readBodyCapped(resp.Body)
	log.Printf("[Render API] ← %d POST /merge — %s", resp.StatusCode, truncate(body, 300))

	if isHTMLErrorPage(body, resp.StatusCode) {
		return failedMerge(fmt.Sprintf("provider returned an error page (status %d)", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failedMerge(fmt.Sprintf("provider error (status %d): %s", resp.StatusCode, truncate(body, 200)))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return failedMerge(fmt.Sprintf("unparseable provider response: %v", err))
	}

	return c.resultFromPayload(parsed)
}

// statusCandidate is one guess at the provider's undocumented status endpoint.
type statusCandidate struct {
	method string
	path   string
	body   map[string]string
}

// CheckStatus fetches merge progress, trying a small ordered list of candidate
// endpoint shapes and returning the first valid, non-HTML, 2xx JSON response.
// A 404 means the provider restarted and lost the job: that is a fast,
// explicit failure, not a retryable one. The returned error covers transport
// level trouble only (no candidate answered usably) — callers count those
// toward a circuit breaker and retry on the next poll tick.
func (c *RenderClient) CheckStatus(ctx context.Context, jobID string) (*MergeResult, error) {
	candidates := []statusCandidate{
		{method: http.MethodGet, path: "/status/" + jobID},
		{method: http.MethodGet, path: "/merge/status/" + jobID},
		{method: http.MethodPost, path: "/status", body: map[string]string{"jobId": jobID}},
	}

	var lastErr error
	for _, cand := range candidates {
		var reqBody io.Reader
		if cand.body != nil {
			b, err := json.Marshal(cand.body)
			if err != nil {
				lastErr = err
				continue
			}
			reqBody = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, cand.method, c.baseURL+cand.path, reqBody)
		if err != nil {
			lastErr = err
			continue
		}
		if cand.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body := readBodyCapped(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			log.Printf("[Render API] Status check %s %s — 404, job lost", cand.method, cand.path)
			return failedMerge("render job not found — provider likely restarted and lost the job"), nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("status %d from %s %s", resp.StatusCode, cand.method, cand.path)
			continue
		}
		if isHTMLErrorPage(body, resp.StatusCode) {
			lastErr = fmt.Errorf("HTML error page from %s %s", cand.method, cand.path)
			continue
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			lastErr = fmt.Errorf("unparseable JSON from %s %s: %w", cand.method, cand.path, err)
			continue
		}

		result := c.resultFromPayload(parsed)
		if result.JobID == "" {
			result.JobID = jobID
		}
		return result, nil
	}

	return nil, fmt.Errorf("no status endpoint yielded a valid response: %w", lastErr)
}

// resultFromPayload builds a MergeResult from a permissively parsed provider
// body: the provider has shipped several field spellings over time.
func (c *RenderClient) resultFromPayload(payload map[string]interface{}) *MergeResult {
	result := &MergeResult{
		JobID:     extractString(payload, "job_id", "jobId", "id"),
		OutputURL: c.normalizeURL(extractOutputURL(payload)),
		Progress:  extractInt(payload, "progress"),
		Error:     extractString(payload, "error", "message"),
	}

	switch strings.ToLower(extractString(payload, "status", "state")) {
	case "completed", "success", "done", "finished":
		result.Status = MergeStatusCompleted
	case "failed", "error":
		result.Status = MergeStatusFailed
	default:
		if result.OutputURL != "" {
			result.Status = MergeStatusCompleted
		} else {
			result.Status = MergeStatusProcessing
		}
	}

	if result.Status == MergeStatusFailed && result.Error == "" {
		result.Error = "provider reported failure without detail"
	}
	return result
}

// normalizeURL resolves provider-relative output paths against the base URL.
func (c *RenderClient) normalizeURL(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return c.baseURL + "/" + strings.TrimLeft(u, "/")
}

func failedMerge(msg string) *MergeResult {
	return &MergeResult{Status: MergeStatusFailed, Error: msg}
}

// isHTMLErrorPage applies the error-page heuristics. A body starting with
// '{' or '[' is never an error page: legitimate JSON may contain substrings
// like "404" and must not be misclassified.
func isHTMLErrorPage(body string, statusCode int) bool {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return false
	}
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "<!doctype") || strings.Contains(lower, "<html") {
		return true
	}
	if statusCode == http.StatusBadGateway || statusCode == http.StatusServiceUnavailable {
		return true
	}
	return false
}

// looksSleeping detects the cold-container signature.
func looksSleeping(body string, statusCode int) bool {
	if statusCode == http.StatusBadGateway || statusCode == http.StatusServiceUnavailable {
		return true
	}
	lower := strings.ToLower(body)
	for _, phrase := range []string{"sleeping", "starting up", "bad gateway", "spinning up"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func extractString(payload map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func extractInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

// extractOutputURL accepts the provider's known spellings at the top level and
// nested one level under "result" or "data".
func extractOutputURL(payload map[string]interface{}) string {
	urlKeys := []string{"output_url", "outputUrl", "url", "video_url"}
	if u := extractString(payload, urlKeys...); u != "" {
		return u
	}
	for _, nested := range []string{"result", "data"} {
		if inner, ok := payload[nested].(map[string]interface{}); ok {
			if u := extractString(inner, urlKeys...); u != "" {
				return u
			}
		}
	}
	return ""
}

func readBodyCapped(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
