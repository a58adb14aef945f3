// Package attach normalizes user image attachments before they reach a
// provider: at most two images, each downscaled and re-encoded as a data URL.
package attach

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	MaxImages   = 2
	MaxEdge     = 1568
	jpegQuality = 85
)

var (
	ErrTooMany    = fmt.Errorf("at most %d images per message", MaxImages)
	ErrNotDataURL = errors.New("not a base64 data url")
)

// Split breaks "data:<mime>;base64,<data>" into its mime type and payload.
func Split(dataURL string) (mime, data string, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", "", ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", ErrNotDataURL
	}
	mime, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" || mime == "" {
		return "", "", ErrNotDataURL
	}
	return mime, payload, nil
}

// Join is the inverse of Split.
func Join(mime string, raw []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// Normalize decodes every image, shrinks it to fit MaxEdge and re-encodes it.
// PNGs stay PNG so transparency survives; everything else becomes JPEG.
func Normalize(urls []string) ([]string, error) {
	if len(urls) > MaxImages {
		return nil, ErrTooMany
	}
	out := make([]string, 0, len(urls))
	for i, u := range urls {
		n, err := normalizeOne(u)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func normalizeOne(dataURL string) (string, error) {
	mime, payload, err := Split(dataURL)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", mime, err)
	}

	b := img.Bounds()
	if b.Dx() > MaxEdge || b.Dy() > MaxEdge {
		img = imaging.Fit(img, MaxEdge, MaxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if mime == "image/png" {
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("encode png: %w", err)
		}
		return Join("image/png", buf.Bytes()), nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return Join("image/jpeg", buf.Bytes()), nil
}

// Thumbnail returns a JPEG of at most edge pixels on its longest side.
func Thumbnail(raw []byte, edge int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fit(img, edge, edge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
