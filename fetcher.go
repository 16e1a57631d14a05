package cmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/eringen/cmsync/logger"
)

// Fetcher performs GET requests with a fixed-delay retry budget. Every
// transport error and every non-2xx status counts as one failed attempt.
type Fetcher struct {
	client  *http.Client
	retries int
	delay   time.Duration
	log     logger.Logger
	metrics *Metrics
}

// NewFetcher returns a Fetcher that retries a failed request up to retries
// times, sleeping delay between attempts.
func NewFetcher(client *http.Client, retries int, delay time.Duration, log logger.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewNop()
	}
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{client: client, retries: retries, delay: delay, log: log}
}

// Get returns the first successful response with its body unread, so large
// payloads can be streamed by the caller. The caller must close the body.
// After the budget is spent the last underlying error is returned wrapped
// in ErrNetwork.
func (f *Fetcher) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	resp, err := retry.DoWithData(
		func() (*http.Response, error) {
			return f.do(ctx, url, header)
		},
		retry.Context(ctx),
		retry.Attempts(uint(f.retries)+1),
		retry.Delay(f.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// n is zero-based; the final failed attempt is not a retry.
			if int(n) >= f.retries {
				return
			}
			f.metrics.fetchRetried()
			f.log.Warn("request failed, retrying",
				logger.String("url", url),
				logger.Int("attempt", int(n)+1),
				logger.Int("remaining", f.retries-int(n)),
				logger.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

// GetJSON fetches url and decodes the body into v. A response that decodes
// badly is not retried.
func (f *Fetcher) GetJSON(ctx context.Context, url string, header http.Header, v any) error {
	resp, err := f.Get(ctx, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrNetwork, url, err)
	}
	return nil
}

func (f *Fetcher) do(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
