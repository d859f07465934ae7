// Package mocks contains testify mocks of the collaborators driven by the
// ingest coordinator.
package mocks

import (
	"context"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/fetch"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/stretchr/testify/mock"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, url string, authHeader string, progress fetch.ProgressFunc) (string, error) {
	args := m.Called(ctx, url, authHeader, progress)
	return args.String(0), args.Error(1)
}

type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) Inspect(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	args := m.Called(ctx, path)
	//nolint:forcetypeassert
	return args.Get(0).(*ffmpeg.MediaInfo), args.Error(1)
}

type MockTranscoder struct {
	mock.Mock
}

func (m *MockTranscoder) Transcode(ctx context.Context, path string, targetCodec string, progress ffmpeg.ProgressFunc) (string, error) {
	args := m.Called(ctx, path, targetCodec, progress)
	return args.String(0), args.Error(1)
}

type MockThumbnailer struct {
	mock.Mock
}

func (m *MockThumbnailer) Extract(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) PutFile(ctx context.Context, name string, path string, contentType string) (*objectstore.FileInfo, error) {
	args := m.Called(ctx, name, path, contentType)
	if fn, ok := args.Get(0).(func(context.Context, string, string, string) *objectstore.FileInfo); ok {
		return fn(ctx, name, path, contentType), args.Error(1)
	}

	//nolint:forcetypeassert
	return args.Get(0).(*objectstore.FileInfo), args.Error(1)
}

func (m *MockUploader) Delete(ctx context.Context, file objectstore.FileInfo) error {
	return m.Called(ctx, file).Error(0)
}

func (m *MockUploader) PublicURL(name string) string {
	args := m.Called(name)
	if fn, ok := args.Get(0).(func(string) string); ok {
		return fn(name)
	}

	return args.String(0)
}

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Load(ctx context.Context) (*catalog.Document, error) {
	args := m.Called(ctx)
	//nolint:forcetypeassert
	return args.Get(0).(*catalog.Document), args.Error(1)
}

func (m *MockCatalog) AddVideo(ctx context.Context, video catalog.Video, streamerName string) (*catalog.Video, error) {
	args := m.Called(ctx, video, streamerName)
	if fn, ok := args.Get(0).(func(context.Context, catalog.Video, string) *catalog.Video); ok {
		return fn(ctx, video, streamerName), args.Error(1)
	}

	//nolint:forcetypeassert
	return args.Get(0).(*catalog.Video), args.Error(1)
}
