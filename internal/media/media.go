// Package media downloads, inspects and shrinks the assets attached to a post.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"postwave/internal/content"
)

var (
	ErrTooLarge     = errors.New("media exceeds size limit")
	ErrCannotShrink = errors.New("image cannot be reduced below limit")
)

// Info describes one downloaded asset.
type Info struct {
	MIME   string
	Ext    string
	Kind   content.MediaKind
	Width  int
	Height int
	Size   int64
}

// Fetch downloads url. Bodies longer than maxBytes are rejected with ErrTooLarge
// without reading the remainder. maxBytes <= 0 disables the cap.
func Fetch(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media: fetch %s: status %d", url, resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %s over %s", ErrTooLarge,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(maxBytes)))
	}

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", url, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.Bytes(uint64(maxBytes)))
	}
	return data, nil
}

// Inspect sniffs data. Width and Height are filled for decodable images only.
func Inspect(data []byte) Info {
	mt := mimetype.Detect(data)
	info := Info{
		MIME: mt.String(),
		Ext:  mt.Extension(),
		Size: int64(len(data)),
	}
	base, _, _ := strings.Cut(info.MIME, ";")
	switch {
	case base == "image/gif":
		info.Kind = content.MediaGIF
	case strings.HasPrefix(base, "image/"):
		info.Kind = content.MediaImage
	case strings.HasPrefix(base, "video/"):
		info.Kind = content.MediaVideo
	}
	if info.Kind == content.MediaImage || info.Kind == content.MediaGIF {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			info.Width, info.Height = cfg.Width, cfg.Height
		}
	}
	return info
}

// BaseMIME strips parameters from a detected type.
func (i Info) BaseMIME() string {
	base, _, _ := strings.Cut(i.MIME, ";")
	return strings.TrimSpace(base)
}
