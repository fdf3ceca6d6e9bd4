package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	sniffBytes      = 3072
	mediaHandlePath = "media.0.id"
)

type mediaKey struct {
	baseURL   string
	token     string
	sourceURL string
}

func (k mediaKey) String() string {
	return k.baseURL + "\x00" + k.token + "\x00" + k.sourceURL
}

// MediaResolver turns media URLs into Turn media handles. Handles are cached
// for the life of the process and concurrent misses for one key share a
// single fetch and upload.
type MediaResolver struct {
	client *Client
	cache  sync.Map
	flight singleflight.Group
	log    *slog.Logger
}

func NewMediaResolver(client *Client, log *slog.Logger) *MediaResolver {
	if log == nil {
		log = slog.Default()
	}
	return &MediaResolver{client: client, log: log}
}

// Resolve returns the media handle for sourceURL as uploaded to the Turn API
// at baseURL with token. Failures after the retry budget wrap ErrMediaFetch.
//
// The shared fetch is detached from any single caller's context and bounded
// by the client timeout and retry budget. A caller whose ctx ends stops
// waiting without failing the others.
func (r *MediaResolver) Resolve(ctx context.Context, baseURL string, token string, sourceURL string) (string, error) {
	key := mediaKey{baseURL: baseURL, token: token, sourceURL: sourceURL}
	if handle, ok := r.cache.Load(key); ok {
		return handle.(string), nil
	}

	flightCtx := context.WithoutCancel(ctx)
	results := r.flight.DoChan(key.String(), func() (any, error) {
		if handle, ok := r.cache.Load(key); ok {
			return handle, nil
		}

		var handle string
		attempts, err := r.client.retry(flightCtx, "upload media", func(int) error {
			var err error
			handle, err = r.transfer(flightCtx, key)
			return err
		})
		if err != nil {
			return "", newError(ErrorMediaFetch, fmt.Sprintf("%s after %s", sourceURL, attemptCount(attempts)), err)
		}

		r.cache.Store(key, handle)
		return handle, nil
	})

	select {
	case <-ctx.Done():
		return "", newError(ErrorMediaFetch, sourceURL, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			r.log.Error("Media resolution failed", "source_url", sourceURL, "error", result.Err)
			return "", result.Err
		}
		if result.Shared {
			r.log.Debug("Media resolution shared with concurrent caller", "source_url", sourceURL)
		}
		return result.Val.(string), nil
	}
}

// transfer streams the source body into the media upload endpoint.
func (r *MediaResolver) transfer(ctx context.Context, key mediaKey) (string, error) {
	fetchReq, err := http.NewRequestWithContext(ctx, http.MethodGet, key.sourceURL, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build fetch request: %w", err))
	}

	source, err := r.client.http.Do(fetchReq)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer source.Body.Close()

	if source.StatusCode < 200 || source.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(source.Body, errorBodyPreview))
		return "", checkStatus("fetch media", source.StatusCode, preview)
	}

	body := io.Reader(source.Body)
	contentType := strings.TrimSpace(source.Header.Get("Content-Type"))
	if contentType == "" {
		body, contentType, err = sniffContentType(source.Body)
		if err != nil {
			return "", fmt.Errorf("fetch media: %w", err)
		}
	}

	endpoint, err := joinURL(key.baseURL, "v1", "media")
	if err != nil {
		return "", backoff.Permanent(err)
	}

	uploadReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build upload request: %w", err))
	}
	if source.ContentLength >= 0 {
		uploadReq.ContentLength = source.ContentLength
	}
	uploadReq.Header.Set("Content-Type", contentType)
	uploadReq.Header.Set("Authorization", "Bearer "+key.token)

	size := "unknown size"
	if source.ContentLength >= 0 {
		size = humanize.Bytes(uint64(source.ContentLength))
	}
	r.log.Debug("Uploading media", "source_url", key.sourceURL, "content_type", contentType, "size", size)

	response, err := r.client.do(uploadReq, "upload media")
	if err != nil {
		return "", err
	}

	handle := gjson.GetBytes(response, mediaHandlePath).String()
	if handle == "" {
		return "", errors.New("upload media: response has no media id")
	}

	return handle, nil
}

// sniffContentType detects the type of a body served without Content-Type and
// returns a reader that still yields the whole body.
func sniffContentType(body io.Reader) (io.Reader, string, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", err
	}
	head = head[:n]

	return io.MultiReader(bytes.NewReader(head), body), mimetype.Detect(head).String(), nil
}
