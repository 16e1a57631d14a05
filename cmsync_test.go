package cmsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCMS serves a listing at /api/v1/blogs and PNG images under /img/.
type fakeCMS struct {
	*httptest.Server
	posts        []map[string]any
	listingCalls atomic.Int32
	assetCalls   atomic.Int32
	apiKey       atomic.Value
}

func newFakeCMS(t *testing.T, posts ...map[string]any) *fakeCMS {
	t.Helper()
	png := pngBytes(t, 8, 4)
	cms := &fakeCMS{posts: posts}
	cms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/blogs":
			cms.listingCalls.Add(1)
			cms.apiKey.Store(r.Header.Get("X-API-KEY"))
			json.NewEncoder(w).Encode(map[string]any{
				"contents":   cms.posts,
				"totalCount": len(cms.posts),
				"limit":      10,
			})
		case filepath.Dir(r.URL.Path) == "/img":
			cms.assetCalls.Add(1)
			w.Write(png)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(cms.Close)
	return cms
}

func (c *fakeCMS) config() Config {
	return Config{
		APIURL:     c.URL + "/api/v1/blogs",
		APIKey:     "test-key",
		Retries:    1,
		RetryDelay: time.Millisecond,
	}
}

func firstPost(cmsURL string) map[string]any {
	return map[string]any{
		"id":          "p1",
		"title":       "My First Post",
		"body":        `<p>Hi</p><img src="` + cmsURL + `/img/pic1.png">`,
		"publishedAt": "2025-04-28T10:00:00.000Z",
		"tags":        []string{"go"},
		"categories":  []string{},
	}
}

func TestRunScenario(t *testing.T) {
	cms := newFakeCMS(t)
	cms.posts = []map[string]any{firstPost(cms.URL)}
	source := t.TempDir()

	sum, err := New(cms.config()).Run(context.Background(), source)
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	assert.Equal(t, "test-key", cms.apiKey.Load())

	require.Len(t, sum.Posts, 1)
	res := sum.Posts[0]
	assert.Equal(t, StatusSaved, res.Status)
	assert.Equal(t, "posts/2025-04-28-my-first-post.md", res.FilePath)
	require.Len(t, res.Assets, 1)

	doc, err := os.ReadFile(filepath.Join(source, "posts", "2025-04-28-my-first-post.md"))
	require.NoError(t, err)
	want := "---\n" +
		"title: \"My First Post\"\n" +
		"date: 2025-04-28T10:00:00.000Z\n" +
		"tags: [\"go\"]\n" +
		"categories: []\n" +
		"description: \"\"\n" +
		"---\n\n" +
		`<p>Hi</p><img src="/assets/my-first-post/pic1.png">`
	assert.Equal(t, want, string(doc))
	assert.FileExists(t, filepath.Join(source, "assets", "my-first-post", "pic1.png"))
	assert.Equal(t, int32(1), cms.assetCalls.Load())
}

func TestRunIsIdempotent(t *testing.T) {
	cms := newFakeCMS(t)
	cms.posts = []map[string]any{firstPost(cms.URL)}
	source := t.TempDir()
	s := New(cms.config())

	_, err := s.Run(context.Background(), source)
	require.NoError(t, err)

	docPath := filepath.Join(source, "posts", "2025-04-28-my-first-post.md")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(docPath, past, past))

	sum, err := s.Run(context.Background(), source)
	require.NoError(t, err)
	require.Len(t, sum.Posts, 1)
	assert.Equal(t, StatusUnchanged, sum.Posts[0].Status)
	assert.Zero(t, sum.AssetsMirrored())
	assert.Equal(t, int32(1), cms.assetCalls.Load(), "existing asset is not downloaded again")

	st, err := os.Stat(docPath)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(past), "unchanged document is not rewritten")
}

func TestRunRewritesChangedDocument(t *testing.T) {
	cms := newFakeCMS(t)
	post := firstPost(cms.URL)
	cms.posts = []map[string]any{post}
	source := t.TempDir()
	s := New(cms.config())

	_, err := s.Run(context.Background(), source)
	require.NoError(t, err)

	post["description"] = "now with a description"
	sum, err := s.Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, StatusSaved, sum.Posts[0].Status)

	fm, _, err := ReadDocument(filepath.Join(source, "posts", "2025-04-28-my-first-post.md"))
	require.NoError(t, err)
	assert.Equal(t, "now with a description", fm.Description)
}

func TestRunMissingAPIKey(t *testing.T) {
	cms := newFakeCMS(t)
	cfg := cms.config()
	cfg.APIKey = ""
	source := filepath.Join(t.TempDir(), "source")

	sum, err := New(cfg).Run(context.Background(), source)
	assert.Nil(t, sum)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, cms.listingCalls.Load())
	assert.NoDirExists(t, source)
}

func TestRunListingFailureAborts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := Config{APIURL: srv.URL, APIKey: "k", Retries: 2, RetryDelay: time.Millisecond}
	source := filepath.Join(t.TempDir(), "source")
	sum, err := New(cfg).Run(context.Background(), source)
	assert.ErrorIs(t, err, ErrNetwork)
	require.NotNil(t, sum)
	assert.Empty(t, sum.Posts)
	assert.Equal(t, int32(3), calls.Load())
	assert.NoDirExists(t, filepath.Join(source, "posts"))
}

func TestRunContinuesAfterFailedPost(t *testing.T) {
	cms := newFakeCMS(t)
	bad := map[string]any{"id": "bad", "title": "Broken", "publishedAt": "not-a-date"}
	cms.posts = []map[string]any{bad, firstPost(cms.URL)}

	sum, err := New(cms.config()).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, sum.Posts, 2)
	assert.Equal(t, StatusFailed, sum.Posts[0].Status)
	assert.Equal(t, StatusSaved, sum.Posts[1].Status)
	assert.ErrorIs(t, sum.Err(), ErrMalformedPost)
}

func TestRunFailFast(t *testing.T) {
	cms := newFakeCMS(t)
	bad := map[string]any{"id": "bad", "title": "Broken", "publishedAt": "not-a-date"}
	cms.posts = []map[string]any{bad, firstPost(cms.URL)}
	cfg := cms.config()
	cfg.FailFast = true

	sum, err := New(cfg).Run(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrMalformedPost)
	require.Len(t, sum.Posts, 1)
	assert.Zero(t, cms.assetCalls.Load())
}

func TestRunFailedAssetFailsPost(t *testing.T) {
	cms := newFakeCMS(t)
	post := firstPost(cms.URL)
	post["body"] = `<img src="` + cms.URL + `/missing/gone.png">`
	cms.posts = []map[string]any{post}
	source := t.TempDir()

	sum, err := New(cms.config()).Run(context.Background(), source)
	require.NoError(t, err)
	require.Len(t, sum.Posts, 1)
	assert.Equal(t, StatusFailed, sum.Posts[0].Status)
	assert.ErrorIs(t, sum.Posts[0].Err, ErrNetwork)
	assert.FileExists(t, filepath.Join(source, "posts", "2025-04-28-my-first-post.md"))
	assert.NoFileExists(t, filepath.Join(source, "assets", "my-first-post", "gone.png"))
}

func TestHookNeverFails(t *testing.T) {
	sum := New(Config{}).Hook(context.Background(), t.TempDir())
	require.NotNil(t, sum)
	assert.Empty(t, sum.Posts)
}

func TestRunRecordsLedgerAndMetrics(t *testing.T) {
	cms := newFakeCMS(t)
	cms.posts = []map[string]any{firstPost(cms.URL)}
	store := setupTestStore(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clock := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	s := New(cms.config(), WithStore(store), WithMetrics(m), WithClock(func() time.Time { return clock }))
	sum, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, sum.RunID)

	runs, err := store.ListRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Outcome)
	assert.Equal(t, 1, runs[0].Saved)
	assert.Equal(t, 1, runs[0].Assets)
	assert.Equal(t, "2025-05-01T12:00:00Z", runs[0].StartedAt)

	doc, err := store.GetDocument("p1")
	require.NoError(t, err)
	assert.Equal(t, "posts/2025-04-28-my-first-post.md", doc.FilePath)
	assert.Len(t, doc.ContentHash, 64)

	assets, err := store.ListAssets("my-first-post")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, 8, assets[0].Width)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Documents.WithLabelValues("saved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AssetsMirrored))
}

func TestWriteIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")

	written, err := writeIfChanged(path, []byte("a"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = writeIfChanged(path, []byte("a"))
	require.NoError(t, err)
	assert.False(t, written)

	written, err = writeIfChanged(path, []byte("b"))
	require.NoError(t, err)
	assert.True(t, written)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = writeIfChanged(filepath.Join(t.TempDir(), "missing", "doc.md"), []byte("x"))
	assert.True(t, errors.Is(err, ErrIO))
}
