// Package receipts archives payment slips: it downloads the image, scales it down and
// stores a JPEG copy on local disk or in S3.
package receipts

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
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"booking-workers/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver stores receipt images under receipts/{transaction_ref}.jpg.
type Archiver struct {
	httpClient *http.Client
	store      uploader
	maxBytes   int64
	maxWidth   int
}

// NewArchiver picks S3 when a bucket is configured and the local directory otherwise.
func NewArchiver(ctx context.Context, cfg config.Config) (*Archiver, error) {
	timeout := cfg.CollaboratorTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.ReceiptMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	maxWidth := cfg.ReceiptMaxWidth
	if maxWidth == 0 {
		maxWidth = 1280
	}

	var store uploader
	if cfg.ReceiptS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Uploader{client: client, bucket: cfg.ReceiptS3Bucket}
	} else {
		dir := cfg.ReceiptOutputDir
		if dir == "" {
			dir = "./receipts"
		}
		store = &localUploader{baseDir: dir}
	}

	return &Archiver{
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		maxBytes:   maxBytes,
		maxWidth:   maxWidth,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReceiptS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReceiptS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReceiptS3Endpoint)
		}
		o.UsePathStyle = cfg.ReceiptS3PathStyle
	}), nil
}

// Archive fetches sourceURL and stores a JPEG no wider than the configured width.
// It returns the stored location.
func (a *Archiver) Archive(ctx context.Context, transactionRef, sourceURL string) (string, error) {
	key, err := receiptKey(transactionRef)
	if err != nil {
		return "", err
	}
	data, err := a.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode receipt: %w", err)
	}
	if img.Bounds().Dx() > a.maxWidth {
		img = imaging.Resize(img, a.maxWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	location, err := a.store.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload receipt: %w", err)
	}
	return location, nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download receipt: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, fmt.Errorf("receipt too large (>%d bytes)", a.maxBytes)
	}
	return body, nil
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func receiptKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !refPattern.MatchString(ref) {
		return "", errors.New("transaction_ref is not a safe object key")
	}
	return "receipts/" + ref + ".jpg", nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
