package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipdeck/api/internal/config"
)

func newTestImageClient(baseURL string, attempts int) *ImageClient {
	c := NewImageClient(&config.ImageConfig{BaseURL: baseURL, Width: 64, Height: 64})
	rungs := make([]time.Duration, attempts)
	for i := range rungs {
		rungs[i] = 2 * time.Second
	}
	c.rungs = rungs
	return c
}

func TestGenerate_RetriesSmallBodies(t *testing.T) {
	var mu sync.Mutex
	var attempts int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n == 1 {
			// An error page disguised as a 200 image response.
			w.Write([]byte("rate limited, try later"))
			return
		}
		w.Write(bytes.Repeat([]byte{0xFF}, minImageBytes+1))
	}))
	defer srv.Close()

	data, err := newTestImageClient(srv.URL, 3).Generate(context.Background(), "a quiet harbor at dawn")
	require.NoError(t, err)
	assert.Greater(t, len(data), minImageBytes)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestGenerate_FreshSeedPerAttempt(t *testing.T) {
	var mu sync.Mutex
	var seeds []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seeds = append(seeds, r.URL.Query().Get("seed"))
		n := len(seeds)
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(bytes.Repeat([]byte{0xFF}, minImageBytes+1))
	}))
	defer srv.Close()

	_, err := newTestImageClient(srv.URL, 3).Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seeds, 2)
	assert.NotEmpty(t, seeds[0])
	assert.NotEqual(t, seeds[0], seeds[1], "retries must not hit a cached failure")
}

func TestGenerate_ExhaustedLadder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestImageClient(srv.URL, 2).Generate(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrImageGenerationFailed)
}

func TestGenerate_CyclesFallbackProviders(t *testing.T) {
	var mu sync.Mutex
	hitsByHost := map[string]int{}

	handler := func(name string, ok bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hitsByHost[name]++
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write(bytes.Repeat([]byte{0xFF}, minImageBytes+1))
		}
	}

	primary := httptest.NewServer(handler("primary", false))
	defer primary.Close()
	fallback := httptest.NewServer(handler("fallback", true))
	defer fallback.Close()

	c := NewImageClient(&config.ImageConfig{
		BaseURL:      primary.URL,
		FallbackURLs: []string{fallback.URL},
	})
	c.rungs = []time.Duration{2 * time.Second, 2 * time.Second}

	_, err := c.Generate(context.Background(), "a lighthouse in fog")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hitsByHost["primary"])
	assert.Equal(t, 1, hitsByHost["fallback"])
}
