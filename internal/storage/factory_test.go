package storage_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorhub/sensorhub/internal/config"
	"github.com/sensorhub/sensorhub/internal/storage"
)

type mockStorage struct{}

func (m *mockStorage) Upload(_ context.Context, p string, _ io.Reader, size int64) (*storage.UploadResult, error) {
	return &storage.UploadResult{Path: p, Size: size}, nil
}
func (m *mockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (m *mockStorage) Delete(_ context.Context, _ string) error         { return nil }
func (m *mockStorage) Exists(_ context.Context, _ string) (bool, error) { return false, nil }

func TestRegister_AddsFactory(t *testing.T) {
	storage.Register("test-backend", func(_ *config.ArchiveConfig) (storage.Storage, error) {
		return &mockStorage{}, nil
	})

	s, err := storage.NewStorage(&config.ArchiveConfig{Backend: "test-backend"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Contains(t, storage.Backends(), "test-backend")
}

func TestNewStorage_UnknownBackend(t *testing.T) {
	_, err := storage.NewStorage(&config.ArchiveConfig{Backend: "completely-unknown-backend"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive backend")
}

func TestNewStorage_EmptyBackend(t *testing.T) {
	_, err := storage.NewStorage(&config.ArchiveConfig{})
	assert.Error(t, err)
}
