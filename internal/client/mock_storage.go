package client

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MockStorage is an in-memory StorageClient used in development when R2 is
// not configured, and in tests.
type MockStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	publicURL string
}

// NewMockStorage creates an in-memory storage serving URLs under publicURL.
func NewMockStorage(publicURL string) *MockStorage {
	if publicURL == "" {
		publicURL = "https://cdn.clipdeck.local"
	}
	return &MockStorage{
		objects:   make(map[string][]byte),
		publicURL: publicURL,
	}
}

func (m *MockStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return m.GetPublicURL(key), nil
}

func (m *MockStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MockStorage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/%s", m.publicURL, key)
}

// Get returns a stored object, for test assertions.
func (m *MockStorage) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}
