package turn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turnrelay/pkg/channel/turn/turntest"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestMediaResolverCachesHandle(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	first, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, server.Requests("/v1/media"), 1)
	require.Len(t, server.Requests("/files/cat.jpg"), 1)
}

func TestMediaResolverKeyIncludesToken(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	_, err := resolver.Resolve(context.Background(), client.BaseURL(), "token-a", server.FileURL("cat.jpg"))
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), client.BaseURL(), "token-b", server.FileURL("cat.jpg"))
	require.NoError(t, err)

	uploads := server.Requests("/v1/media")
	require.Len(t, uploads, 2)
	require.Equal(t, "Bearer token-a", uploads[0].Header.Get("Authorization"))
	require.Equal(t, "Bearer token-b", uploads[1].Header.Get("Authorization"))
}

func TestMediaResolverCollapsesConcurrentMisses(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	var wg sync.WaitGroup
	handles := make([]string, 8)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
			if err == nil {
				handles[i] = handle
			}
		}()
	}
	wg.Wait()

	for _, handle := range handles {
		require.Equal(t, handles[0], handle)
		require.NotEmpty(t, handle)
	}
	// Stragglers arriving after the first flight finished hit the cache.
	require.Len(t, server.Requests("/v1/media"), 1)
}

func TestMediaResolverDetectsMissingContentType(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("pixel", "", pngHeader)

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	_, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("pixel"))
	require.NoError(t, err)

	uploads := server.Requests("/v1/media")
	require.Len(t, uploads, 1)
	require.Equal(t, "image/png", uploads[0].Header.Get("Content-Type"))
	require.Equal(t, pngHeader, uploads[0].Body)
}

func TestMediaResolverRetriesWholeSequence(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))
	server.FailNext("/v1/media", http.StatusInternalServerError)

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	_, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
	require.NoError(t, err)
	require.Len(t, server.Requests("/files/cat.jpg"), 2)
	require.Len(t, server.Requests("/v1/media"), 2)
}

func TestMediaResolverGivesUp(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()
	server.AddFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))
	server.FailAlways("/v1/media", http.StatusBadGateway)

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	_, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
	require.True(t, errors.Is(err, ErrMediaFetch), "got %v", err)
	require.Equal(t, ErrorMediaFetch, CategoryFromError(err))
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Len(t, server.Requests("/v1/media"), 3)

	// Failures are not cached.
	_, err = resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), server.FileURL("cat.jpg"))
	require.Error(t, err)
	require.Len(t, server.Requests("/v1/media"), 6)
}

func TestMediaResolverReportsAttemptsMade(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())

	_, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), "::not-a-url")
	require.True(t, errors.Is(err, ErrMediaFetch), "got %v", err)
	require.Contains(t, err.Error(), "after 1 attempt:")
	require.Empty(t, server.Requests("/v1/media"))
}

func TestMediaResolverCallerCancelDoesNotFailSharedFetch(t *testing.T) {
	server := turntest.NewServer()
	defer server.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer source.Close()

	client := newTestClient(t, server, 3)
	resolver := NewMediaResolver(client, discardLogger())
	sourceURL := source.URL + "/slow.jpg"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(firstCtx, client.BaseURL(), client.Token(), sourceURL)
		firstErr <- err
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("source fetch never started")
	}

	type result struct {
		handle string
		err    error
	}
	second := make(chan result, 1)
	go func() {
		handle, err := resolver.Resolve(context.Background(), client.BaseURL(), client.Token(), sourceURL)
		second <- result{handle: handle, err: err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case got := <-second:
		require.NoError(t, got.err)
		require.NotEmpty(t, got.handle)
	case <-time.After(3 * time.Second):
		t.Fatal("second caller never resolved")
	}
	require.Len(t, server.Requests("/v1/media"), 1)
}
