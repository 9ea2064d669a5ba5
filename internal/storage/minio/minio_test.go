package minio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/chunkcache/pkg/errors"
)

// fakeServer answers path-style GETs for a single bucket
type fakeServer struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] != "chunks" {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	data, ok := f.objects[parts[1]]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchKey")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.Header().Set("Last-Modified", time.Unix(0, 0).UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestStore(t *testing.T, objects map[string][]byte) *Store {
	t.Helper()
	fake := &fakeServer{objects: objects}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	return NewStore(client, "chunks", nil)
}

func TestStore_Get(t *testing.T) {
	store := newTestStore(t, map[string][]byte{"run1/t/0.0": []byte("chunk-bytes")})

	data, err := store.Get(context.Background(), "run1/t/0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-bytes"), data)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t, map[string][]byte{})

	_, err := store.Get(context.Background(), "run1/t/9.9")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeObjectNotFound, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestTranslateError(t *testing.T) {
	store := NewStore(nil, "chunks", nil)
	ctx := context.Background()

	tests := []struct {
		name string
		resp minio.ErrorResponse
		code errors.ErrorCode
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, errors.ErrCodeObjectNotFound},
		{"no such bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, errors.ErrCodeBucketNotFound},
		{"forbidden", minio.ErrorResponse{StatusCode: http.StatusForbidden}, errors.ErrCodeAccessDenied},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, errors.ErrCodeServiceUnavailable},
		{"internal", minio.ErrorResponse{Code: "InternalError", StatusCode: 500}, errors.ErrCodeStorageRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.translateError(ctx, tt.resp, "k")
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	assert.True(t, errors.IsRetryable(store.translateError(ctx, minio.ErrorResponse{Code: "SlowDown"}, "k")))
}

func TestStore_GetCanceled(t *testing.T) {
	store := newTestStore(t, map[string][]byte{"k": []byte("v")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "http://has-scheme:9000"})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}
