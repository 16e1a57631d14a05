package cmsync

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/eringen/cmsync/logger"
)

// Mirror downloads remote assets to local paths.
type Mirror struct {
	fetcher  *Fetcher
	maxWidth int
	log      logger.Logger
}

// NewMirror returns a Mirror that downloads through f. When maxWidth is
// positive, mirrored PNG and JPEG images wider than maxWidth are scaled
// down in place.
func NewMirror(f *Fetcher, maxWidth int, log logger.Logger) *Mirror {
	if log == nil {
		log = logger.NewNop()
	}
	return &Mirror{fetcher: f, maxWidth: maxWidth, log: log}
}

// Mirror streams remoteURL into localPath, creating parent directories as
// needed. localPath must not exist yet; Mirror never checks and the caller
// owns that decision.
//
// The body is written to "<localPath>.part" and renamed into place only
// after the file is closed without error, so a failed download never leaves
// a file at localPath.
func (m *Mirror) Mirror(ctx context.Context, remoteURL, localPath string) (Asset, error) {
	asset := Asset{RemoteURL: remoteURL, LocalPath: localPath}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return asset, ioErr("create asset dir", err)
	}

	resp, err := m.fetcher.Get(ctx, remoteURL, nil)
	if err != nil {
		return asset, err
	}
	defer resp.Body.Close()

	part := localPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return asset, ioErr("create asset", err)
	}
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(part)
		return asset, ioErr("write asset", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return asset, ioErr("close asset", err)
	}
	if err := os.Rename(part, localPath); err != nil {
		os.Remove(part)
		return asset, ioErr("rename asset", err)
	}
	asset.Bytes = n

	m.inspect(&asset)
	return asset, nil
}

// inspect fills image dimensions and applies the width limit. Failures are
// logged and otherwise ignored: not every asset is a decodable image.
func (m *Mirror) inspect(asset *Asset) {
	info, err := probeImage(asset.LocalPath)
	if err != nil {
		m.log.Debug("asset is not a decodable image",
			logger.String("path", asset.LocalPath),
			logger.Error(err),
		)
		return
	}
	asset.Width, asset.Height, asset.Format = info.Width, info.Height, info.Format

	if m.maxWidth <= 0 || info.Width <= m.maxWidth {
		return
	}
	resized, err := downscaleImage(asset.LocalPath, m.maxWidth)
	if err != nil {
		m.log.Warn("could not downscale asset",
			logger.String("path", asset.LocalPath),
			logger.Error(err),
		)
		return
	}
	if resized.Format != "" {
		asset.Width, asset.Height, asset.Bytes = resized.Width, resized.Height, resized.Bytes
	}
}
