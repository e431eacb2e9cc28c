package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"postwave/internal/content"
)

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDownscaleFits(t *testing.T) {
	t.Parallel()
	src := noisePNG(t, 400, 300)
	const limit = 60 << 10
	if len(src) <= limit {
		t.Fatalf("fixture too small: %d", len(src))
	}

	out, err := Downscale(src, limit)
	if err != nil {
		t.Fatalf("Downscale: %v", err)
	}
	if len(out) > limit {
		t.Fatalf("output %d bytes, limit %d", len(out), limit)
	}
	info := Inspect(out)
	if info.BaseMIME() != "image/jpeg" || info.Kind != content.MediaImage {
		t.Fatalf("unexpected output type: %+v", info)
	}
	if info.Width > 400 || info.Width == 0 {
		t.Fatalf("width = %d", info.Width)
	}
}

func TestDownscaleUnderLimitUntouched(t *testing.T) {
	t.Parallel()
	src := noisePNG(t, 8, 8)
	out, err := Downscale(src, int64(len(src)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, src) {
		t.Fatal("data under the limit must be returned as is")
	}
}

func TestDownscaleGivesUp(t *testing.T) {
	t.Parallel()
	_, err := Downscale(noisePNG(t, 64, 64), 10)
	if !errors.Is(err, ErrCannotShrink) {
		t.Fatalf("want ErrCannotShrink, got %v", err)
	}
}

func TestInspectPNG(t *testing.T) {
	t.Parallel()
	info := Inspect(noisePNG(t, 20, 10))
	if info.BaseMIME() != "image/png" || info.Width != 20 || info.Height != 10 {
		t.Fatalf("Inspect = %+v", info)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte("x"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write(payload)
		case "/chunked":
			w.(http.Flusher).Flush()
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	data, err := Fetch(ctx, srv.Client(), srv.URL+"/ok", 4096)
	if err != nil || len(data) != len(payload) {
		t.Fatalf("Fetch ok: %d bytes, err %v", len(data), err)
	}
	if _, err := Fetch(ctx, srv.Client(), srv.URL+"/ok", 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
	if _, err := Fetch(ctx, srv.Client(), srv.URL+"/chunked", 1024); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("want ErrTooLarge for chunked body, got %v", err)
	}
	if _, err := Fetch(ctx, srv.Client(), srv.URL+"/missing", 0); err == nil {
		t.Fatal("want error for 404")
	}
}
