// Package cmsync synchronizes blog posts from a headless CMS into the source
// tree of a static-site generator.
//
// A run fetches the post listing once, renders every post into a
// front-matter document under <source>/posts, rewrites the post's <img>
// sources to /assets/<slug>/<file>, and mirrors any image not yet present
// under <source>/assets. Documents are rewritten only when their bytes
// change, so repeated runs against unchanged content touch nothing.
package cmsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eringen/cmsync/logger"
)

// Syncer runs the synchronization pipeline. Runs are sequential: posts are
// processed one at a time and so are the images inside a post. A Syncer
// must not be used for two runs at once.
type Syncer struct {
	cfg        Config
	httpClient *http.Client
	log        logger.Logger
	store      *Store
	metrics    *Metrics
	now        func() time.Time
}

// New creates a Syncer. cfg is not validated until Run.
func New(cfg Config, opts ...Option) *Syncer {
	cfg.setDefaults()
	s := &Syncer{
		cfg: cfg,
		log: logger.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return s
}

// Config returns the effective configuration, defaults included.
func (s *Syncer) Config() Config {
	return s.cfg
}

// Hook is the build-lifecycle entry point. It runs a sync into sourceDir,
// logs any failure and never returns an error; the summary tells the caller
// what happened.
func (s *Syncer) Hook(ctx context.Context, sourceDir string) *Summary {
	sum, err := s.Run(ctx, sourceDir)
	if sum == nil {
		sum = &Summary{}
	}
	switch {
	case err != nil:
		s.log.Error("sync aborted", logger.Error(err))
	case sum.Err() != nil:
		s.log.Error("sync finished with failures",
			logger.Int("failed", sum.Count(StatusFailed)),
			logger.Error(sum.Err()),
		)
	}
	return sum
}

// Run synchronizes every post of the listing into sourceDir (Config.SourceDir
// when empty).
//
// Configuration problems are reported before any network or disk activity
// and return a nil summary. A failed listing fetch aborts the run. A failed
// post is recorded in the summary and the run moves on to the next post,
// unless Config.FailFast is set, in which case the post's error aborts the
// run.
func (s *Syncer) Run(ctx context.Context, sourceDir string) (*Summary, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if sourceDir == "" {
		sourceDir = s.cfg.SourceDir
	}

	store, closeStore, err := s.openStore()
	if err != nil {
		return nil, err
	}
	defer closeStore()

	sum := &Summary{StartedAt: s.now()}
	if store != nil {
		if id, err := store.BeginRun(sum.StartedAt); err != nil {
			s.log.Warn("ledger: begin run", logger.Error(err))
		} else {
			sum.RunID = id
		}
	}

	s.log.Info("sync started", logger.String("source", sourceDir), logger.String("api", s.cfg.APIURL))
	runErr := s.run(ctx, sourceDir, store, sum)
	sum.FinishedAt = s.now()

	if store != nil && sum.RunID != 0 {
		if err := store.FinishRun(sum.RunID, sum, runErr); err != nil {
			s.log.Warn("ledger: finish run", logger.Error(err))
		}
	}
	s.metrics.run(runOutcome(sum, runErr))
	s.log.Info("sync finished",
		logger.Int("saved", sum.Count(StatusSaved)),
		logger.Int("unchanged", sum.Count(StatusUnchanged)),
		logger.Int("failed", sum.Count(StatusFailed)),
		logger.Int("assets", sum.AssetsMirrored()),
		logger.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return sum, runErr
}

func (s *Syncer) openStore() (*Store, func(), error) {
	if s.store != nil {
		return s.store, func() {}, nil
	}
	if s.cfg.StatePath == "" {
		return nil, func() {}, nil
	}
	st, err := NewStore(s.cfg.StatePath)
	if err != nil {
		return nil, nil, ioErr("open ledger", err)
	}
	return st, func() { st.Close() }, nil
}

func (s *Syncer) run(ctx context.Context, sourceDir string, store *Store, sum *Summary) error {
	fetcher := NewFetcher(s.httpClient, s.cfg.retryBudget(), s.cfg.RetryDelay, s.log)
	fetcher.metrics = s.metrics

	listing, err := s.fetchListing(ctx, fetcher)
	if err != nil {
		return err
	}

	postsDir := filepath.Join(sourceDir, filepath.FromSlash(s.cfg.PostsDir))
	if err := os.MkdirAll(postsDir, 0o755); err != nil {
		return ioErr("create posts dir", err)
	}

	tr := NewTransformer(s.cfg)
	mirror := NewMirror(fetcher, s.cfg.MaxImageWidth, s.log)

	for _, post := range listing.Contents {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := s.syncPost(ctx, sourceDir, post, tr, mirror, store, sum.RunID)
		sum.Posts = append(sum.Posts, res)
		s.metrics.document(res.Status)
		if res.Err != nil {
			s.log.Error("post failed",
				logger.String("id", post.ID),
				logger.String("title", post.Title),
				logger.Error(res.Err),
			)
			if s.cfg.FailFast {
				return fmt.Errorf("post %s: %w", post.ID, res.Err)
			}
		}
	}
	return nil
}

func (s *Syncer) fetchListing(ctx context.Context, f *Fetcher) (*Listing, error) {
	u, err := url.Parse(s.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("%w: api_url: %w", ErrConfig, err)
	}
	if s.cfg.Limit > 0 {
		q := u.Query()
		q.Set("limit", strconv.Itoa(s.cfg.Limit))
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set(s.cfg.APIKeyHeader, s.cfg.APIKey)

	var listing Listing
	if err := f.GetJSON(ctx, u.String(), header, &listing); err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	s.log.Info("listing fetched", logger.Int("posts", len(listing.Contents)))
	return &listing, nil
}

// syncPost renders, persists and mirrors the assets of one post. The whole
// document is built in memory before the file is touched.
func (s *Syncer) syncPost(ctx context.Context, sourceDir string, post RemotePost, tr *Transformer, mirror *Mirror, store *Store, runID int64) PostResult {
	res := PostResult{PostID: post.ID, Title: post.Title}
	fail := func(err error) PostResult {
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	doc, err := tr.Transform(post)
	if err != nil {
		return fail(err)
	}
	res.FilePath = doc.FilePath
	log := s.log.With(logger.String("file", doc.FilePath))

	written, err := writeIfChanged(filepath.Join(sourceDir, filepath.FromSlash(doc.FilePath)), doc.Content)
	if err != nil {
		return fail(err)
	}
	res.Status = StatusUnchanged
	if written {
		res.Status = StatusSaved
		log.Info("document saved")
	} else {
		log.Info("document unchanged")
	}

	for _, ref := range doc.Images {
		local := filepath.Join(sourceDir, filepath.FromSlash(ref.LocalAssetPath))
		if _, err := os.Stat(local); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fail(ioErr("stat asset", err))
		}
		asset, err := mirror.Mirror(ctx, ref.RemoteURL, local)
		if err != nil {
			return fail(fmt.Errorf("mirror %s: %w", ref.RemoteURL, err))
		}
		res.Assets = append(res.Assets, asset)
		s.metrics.assetMirrored()
		log.Info("asset downloaded",
			logger.String("url", ref.RemoteURL),
			logger.String("path", ref.LocalAssetPath),
			logger.Int64("bytes", asset.Bytes),
		)
		if store != nil && runID != 0 {
			if err := store.RecordAsset(runID, doc.Slug, asset, s.now()); err != nil {
				log.Warn("ledger: record asset", logger.Error(err))
			}
		}
	}

	if store != nil && runID != 0 {
		sumHash := sha256.Sum256(doc.Content)
		err := store.RecordDocument(runID, DocumentRecord{
			PostID:      post.ID,
			FilePath:    doc.FilePath,
			Title:       post.Title,
			ContentHash: hex.EncodeToString(sumHash[:]),
			Status:      string(res.Status),
			SyncedAt:    s.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			log.Warn("ledger: record document", logger.Error(err))
		}
	}
	return res
}

// writeIfChanged writes content to path unless the file already holds the
// exact same bytes. The write goes through a temporary file in the same
// directory followed by a rename, so readers never see a partial document.
func writeIfChanged(path string, content []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, ioErr("read document", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cmsync-*")
	if err != nil {
		return false, ioErr("create temp document", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return false, ioErr("write document", err)
	}
	if err := tmp.Close(); err != nil {
		return false, ioErr("close document", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return false, ioErr("chmod document", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, ioErr("rename document", err)
	}
	return true, nil
}
