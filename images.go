package cmsync

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// imageInfo describes a decoded image header.
type imageInfo struct {
	Width  int
	Height int
	Format string
	Bytes  int64
}

// probeImage reads only the image header at path.
func probeImage(path string) (imageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return imageInfo{}, err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return imageInfo{}, fmt.Errorf("decode image config: %w", err)
	}
	return imageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// downscaleImage rewrites the PNG or JPEG at path so it is at most maxWidth
// pixels wide, keeping the aspect ratio and the encoding. Other formats are
// left alone and reported with an empty Format.
func downscaleImage(path string, maxWidth int) (imageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return imageInfo{}, err
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return imageInfo{}, fmt.Errorf("decode image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return imageInfo{}, nil
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxWidth {
		return imageInfo{Width: w, Height: h, Format: format}, nil
	}
	newH := h * maxWidth / w
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".resize-*")
	if err != nil {
		return imageInfo{}, err
	}
	defer os.Remove(tmp.Name())

	if err := encodeImage(tmp, dst, format); err != nil {
		tmp.Close()
		return imageInfo{}, fmt.Errorf("encode %s: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return imageInfo{}, err
	}
	st, err := os.Stat(tmp.Name())
	if err != nil {
		return imageInfo{}, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return imageInfo{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return imageInfo{}, err
	}
	return imageInfo{Width: maxWidth, Height: newH, Format: format, Bytes: st.Size()}, nil
}

func encodeImage(w io.Writer, img image.Image, format string) error {
	if format == "png" {
		return png.Encode(w, img)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
}
