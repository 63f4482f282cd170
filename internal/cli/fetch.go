package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unkn0wn-root/fetchcache"
	"github.com/unkn0wn-root/fetchcache/internal/config"
)

// maxBody caps how much of a response is cached.
const maxBody = 8 << 20

// Document is a cached HTTP response.
type Document struct {
	URL         string    `json:"url" cbor:"url"`
	Status      int       `json:"status" cbor:"status"`
	ContentType string    `json:"contentType" cbor:"contentType"`
	Body        []byte    `json:"body" cbor:"body"`
	FetchedAt   time.Time `json:"fetchedAt" cbor:"fetchedAt"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func fetchDocument(hc *http.Client, url string) fetchcache.Producer[Document] {
	return func(ctx context.Context) (Document, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Document{}, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return Document{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
			return Document{}, &StatusError{URL: url, Code: resp.StatusCode}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return Document{}, fmt.Errorf("read body: %w", err)
		}
		return Document{
			URL:         url,
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
			FetchedAt:   time.Now().UTC(),
		}, nil
	}
}

// queryOptions maps the fetch config onto Options for url.
func queryOptions(cfg config.FetchConfig, url string) fetchcache.Options[Document] {
	opts := fetchcache.Options[Document]{
		Key:             url,
		CacheDuration:   cfg.CacheDuration,
		MaxRetries:      cfg.MaxRetries,
		BaseRetryDelay:  cfg.BaseRetryDelay,
		ConstantBackoff: cfg.ConstantBackoff,
		Coalesce:        cfg.Coalesce,
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = fetchcache.NoRetries
	}
	return opts
}
