package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
)

const (
	scaleStep    = 0.8
	maxRounds    = 12
	startQuality = 90
	minQuality   = 50
	minDimension = 16
)

// Downscale returns data unchanged when it already fits maxBytes. Otherwise the
// image is re-encoded as JPEG, shrinking by scaleStep per round with lower
// quality each time, until the output fits.
func Downscale(data []byte, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 || int64(len(data)) <= maxBytes {
		return data, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("media: decode: %w", err)
	}
	b := src.Bounds()

	var buf bytes.Buffer
	for round := 0; round < maxRounds; round++ {
		scale := math.Pow(scaleStep, float64(round))
		w := int(float64(b.Dx()) * scale)
		h := int(float64(b.Dy()) * scale)
		if w < minDimension || h < minDimension {
			break
		}
		quality := startQuality - 5*round
		if quality < minQuality {
			quality = minQuality
		}

		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		// JPEG has no alpha; flatten onto white.
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

		buf.Reset()
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("media: encode: %w", err)
		}
		if int64(buf.Len()) <= maxBytes {
			return bytes.Clone(buf.Bytes()), nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d rounds, limit %s", ErrCannotShrink,
		humanize.Bytes(uint64(buf.Len())), maxRounds, humanize.Bytes(uint64(maxBytes)))
}
