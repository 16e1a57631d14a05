package cmsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eringen/cmsync/logger"
)

// flakyServer fails the first n requests with 503 and then answers body.
func flakyServer(t *testing.T, n int32, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.FromZap(zap.New(core)), logs
}

func TestFetcherRetriesWithinBudget(t *testing.T) {
	srv, calls := flakyServer(t, 2, `{"ok":true}`)
	log, logs := observedLogger()
	f := NewFetcher(srv.Client(), 3, time.Millisecond, log)
	f.metrics = NewMetrics(prometheus.NewRegistry())

	var out struct{ OK bool }
	require.NoError(t, f.GetJSON(context.Background(), srv.URL, nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())

	warnings := logs.FilterMessage("request failed, retrying").All()
	require.Len(t, warnings, 2)
	assert.Equal(t, int64(1), warnings[0].ContextMap()["attempt"])
	assert.Equal(t, int64(3), warnings[0].ContextMap()["remaining"])
	assert.Equal(t, srv.URL, warnings[1].ContextMap()["url"])
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.FetchRetries))
}

func TestFetcherGivesUpAfterBudget(t *testing.T) {
	srv, calls := flakyServer(t, 100, "")
	log, logs := observedLogger()
	f := NewFetcher(srv.Client(), 2, time.Millisecond, log)

	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Equal(t, 2, logs.FilterMessage("request failed, retrying").Len())
}

func TestFetcherZeroRetries(t *testing.T) {
	srv, calls := flakyServer(t, 1, "")
	f := NewFetcher(srv.Client(), 0, time.Millisecond, nil)
	_, err := f.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherDoesNotRetryBadJSON(t *testing.T) {
	srv, calls := flakyServer(t, 0, `{not json`)
	f := NewFetcher(srv.Client(), 3, time.Millisecond, nil)

	var out map[string]any
	err := f.GetJSON(context.Background(), srv.URL, nil, &out)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherSendsHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-API-KEY")
		io.WriteString(w, "{}")
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-API-KEY", "k-123")
	var out map[string]any
	require.NoError(t, NewFetcher(srv.Client(), 0, 0, nil).GetJSON(context.Background(), srv.URL, h, &out))
	assert.Equal(t, "k-123", got)
}

func TestFetcherStopsOnCancel(t *testing.T) {
	srv, _ := flakyServer(t, 100, "")
	f := NewFetcher(srv.Client(), 5, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Get(ctx, srv.URL, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
