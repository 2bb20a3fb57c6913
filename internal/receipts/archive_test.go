package receipts

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"booking-workers/internal/config"
)

func slipServer(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestArchiveLocalScalesDown(t *testing.T) {
	srv := slipServer(t, 40, 20)
	dir := t.TempDir()
	a, err := NewArchiver(context.Background(), config.Config{
		ReceiptOutputDir:    dir,
		ReceiptMaxWidth:     10,
		CollaboratorTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	location, err := a.Archive(context.Background(), "TX-ABC123", srv.URL+"/slip.png")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := filepath.Join(dir, "receipts", "TX-ABC123.jpg")
	if location != want {
		t.Fatalf("location = %s, want %s", location, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("stat archived receipt: %v", err)
	}
	img, err := imaging.Open(want)
	if err != nil {
		t.Fatalf("open archived receipt: %v", err)
	}
	if got := img.Bounds().Dx(); got != 10 {
		t.Fatalf("width = %d, want 10", got)
	}
	if got := img.Bounds().Dy(); got != 5 {
		t.Fatalf("height = %d, want 5", got)
	}
}

func TestArchiveRejectsOversizedAndMissing(t *testing.T) {
	srv := slipServer(t, 40, 20)
	a, err := NewArchiver(context.Background(), config.Config{ReceiptOutputDir: t.TempDir(), ReceiptMaxBytes: 16})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	if _, err := a.Archive(context.Background(), "TX-1", srv.URL+"/slip.png"); err == nil {
		t.Fatalf("expected size limit error")
	}

	a.maxBytes = 1 << 20
	if _, err := a.Archive(context.Background(), "TX-1", srv.URL+"/missing"); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestReceiptKeyRejectsPaths(t *testing.T) {
	if _, err := receiptKey("../etc/passwd"); err == nil {
		t.Fatalf("expected unsafe key to be rejected")
	}
	key, err := receiptKey(" TX-9F ")
	if err != nil {
		t.Fatalf("receipt key: %v", err)
	}
	if key != "receipts/TX-9F.jpg" {
		t.Fatalf("key = %s", key)
	}
}
