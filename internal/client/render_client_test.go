package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipdeck/api/internal/config"
)

func newTestRenderClient(baseURL string) *RenderClient {
	c := NewRenderClient(&config.RenderConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5,
	})
	c.wakeBackoff = time.Millisecond
	c.settleDelay = time.Millisecond
	return c
}

func TestHealthCheck_JSONBodyIsNeverAnErrorPage(t *testing.T) {
	// Legitimate JSON may contain strings like "404"; a body starting with
	// '{' must never be classified as an error page.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"404 jobs in queue, please wait"}`))
	}))
	defer srv.Close()

	hs := newTestRenderClient(srv.URL).HealthCheck(context.Background())
	assert.True(t, hs.Healthy)
	assert.False(t, hs.IsSleeping)
}

func TestHealthCheck_SleepingProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("<html><body>This app is sleeping. Spinning up...</body></html>"))
	}))
	defer srv.Close()

	hs := newTestRenderClient(srv.URL).HealthCheck(context.Background())
	assert.False(t, hs.Healthy)
	assert.True(t, hs.IsSleeping)
}

func TestHealthCheck_MethodNotAllowedIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"detail":"Method Not Allowed"}`))
	}))
	defer srv.Close()

	hs := newTestRenderClient(srv.URL).HealthCheck(context.Background())
	assert.True(t, hs.Healthy, "405 from the root proves the container is awake")
}

func TestStartMerge_ParsesJobIDVariants(t *testing.T) {
	for _, key := range []string{"job_id", "jobId", "id"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/merge" {
				json.NewEncoder(w).Encode(map[string]string{key: "r-42", "status": "processing"})
				return
			}
			w.Write([]byte(`{"ok":true}`)) // health probe
		}))

		result := newTestRenderClient(srv.URL).StartMerge(context.Background(), &MergeRequest{
			Images:   []string{"https://cdn.example.com/a.jpg"},
			AudioURL: "https://cdn.example.com/voice.mp3",
		})
		assert.Equal(t, "r-42", result.JobID, "key %s", key)
		assert.Equal(t, MergeStatusProcessing, result.Status)
		srv.Close()
	}
}

func TestStartMerge_NormalizesRelativeOutputURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/merge" {
			w.Write([]byte(`{"status":"done","result":{"output_url":"/files/out.mp4"}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result := newTestRenderClient(srv.URL).StartMerge(context.Background(), &MergeRequest{
		Images:   []string{"https://cdn.example.com/a.jpg"},
		AudioURL: "https://cdn.example.com/voice.mp3",
	})
	assert.Equal(t, MergeStatusCompleted, result.Status)
	assert.Equal(t, srv.URL+"/files/out.mp4", result.OutputURL)
}

func TestStartMerge_WakesSleepingProvider(t *testing.T) {
	var probes int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/merge" {
			w.Write([]byte(`{"jobId":"r-7","status":"processing"}`))
			return
		}
		// First two probes: cold container behind a gateway.
		if atomic.AddInt64(&probes, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>Bad Gateway</html>"))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result := newTestRenderClient(srv.URL).StartMerge(context.Background(), &MergeRequest{
		Images:   []string{"https://cdn.example.com/a.jpg"},
		AudioURL: "https://cdn.example.com/voice.mp3",
	})
	assert.Equal(t, "r-7", result.JobID)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&probes), int64(3), "expected wake-up retries")
}

func TestStartMerge_HardDownProviderFailsWithoutWake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	result := newTestRenderClient(srv.URL).StartMerge(context.Background(), &MergeRequest{})
	assert.Equal(t, MergeStatusFailed, result.Status)
	assert.Contains(t, result.Error, "down")
}

func TestCheckStatus_FallsBackAcrossCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/status/r-1":
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodGet && r.URL.Path == "/merge/status/r-1":
			w.Write([]byte(`{"status":"processing","progress":40}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	result, err := newTestRenderClient(srv.URL).CheckStatus(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, MergeStatusProcessing, result.Status)
	assert.Equal(t, 40, result.Progress)
	assert.Equal(t, "r-1", result.JobID)
}

func TestCheckStatus_404MeansJobLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result, err := newTestRenderClient(srv.URL).CheckStatus(context.Background(), "r-gone")
	require.NoError(t, err, "a lost job is a definitive answer, not a transport failure")
	assert.Equal(t, MergeStatusFailed, result.Status)
	assert.Contains(t, result.Error, "not found")
}

func TestCheckStatus_AllCandidatesFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer srv.Close()

	result, err := newTestRenderClient(srv.URL).CheckStatus(context.Background(), "r-1")
	assert.Error(t, err, "callers count transport-level failures toward the circuit breaker")
	assert.Nil(t, result)
}

func TestCheckStatus_NestedOutputURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"completed","data":{"video_url":"https://files.example.com/final.mp4"}}`))
	}))
	defer srv.Close()

	result, err := newTestRenderClient(srv.URL).CheckStatus(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, MergeStatusCompleted, result.Status)
	assert.Equal(t, "https://files.example.com/final.mp4", result.OutputURL)
}
