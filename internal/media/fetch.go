package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"
)

// ErrTooLarge is returned when a file exceeds the configured size limit.
var ErrTooLarge = errors.New("media file exceeds the size limit")

// Fetcher downloads source files referenced by inbound sync requests.
type Fetcher struct {
	hc      *http.Client
	maxSize int64
}

// NewFetcher creates a Fetcher that refuses bodies over maxSize bytes.
func NewFetcher(maxSize int64, timeout time.Duration) *Fetcher {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Fetcher{
		hc:      &http.Client{Transport: transport, Timeout: timeout},
		maxSize: maxSize,
	}
}

// Fetch downloads url and returns its body and declared content type.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media url: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: %s", url, resp.Status)
	}
	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		return nil, "", ErrTooLarge
	}

	var body io.Reader = resp.Body
	if f.maxSize > 0 {
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, "", ErrTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}
