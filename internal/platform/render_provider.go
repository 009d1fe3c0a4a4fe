package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// RenderProvider is the reference GenerationProvider. It asks a configured
// renderer service for content bytes, post-processes images (resize,
// grayscale, preview thumbnail), and stores the artifact in S3 or on local
// disk, returning the artifact reference.
type RenderProvider struct {
	baseURL      string
	httpClient   *http.Client
	local        artifactUploader
	s3           artifactUploader
	maxBytes     int64
	previewWidth int
}

// renderPayload is the kind-specific generation payload the provider understands.
type renderPayload struct {
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewRenderProvider constructs the provider and chooses an uploader (local or S3).
func NewRenderProvider(ctx context.Context, cfg config.Config) (*RenderProvider, error) {
	maxBytes := cfg.ArtifactMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	previewWidth := cfg.PreviewWidth
	if previewWidth == 0 {
		previewWidth = 320
	}

	var s3Upload artifactUploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}

	return &RenderProvider{
		baseURL:      cfg.RendererBaseURL,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		local:        &localUploader{baseDir: baseDir},
		s3:           s3Upload,
		maxBytes:     maxBytes,
		previewWidth: previewWidth,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Generate renders one artifact and stores it. Image kinds get resize,
// optional grayscale, and a preview thumbnail; other kinds store raw bytes.
func (p *RenderProvider) Generate(ctx context.Context, kind string, payload map[string]any) (string, error) {
	opts, err := decodeRenderPayload(payload)
	if err != nil {
		return "", err
	}
	data, contentType, err := p.render(ctx, kind, payload)
	if err != nil {
		return "", err
	}

	uploader, err := p.pickUploader(opts.Destination)
	if err != nil {
		return "", faults.Permanent(err)
	}

	if kind == models.KindGenerateImage {
		return p.storeImage(ctx, uploader, opts, data, contentType)
	}

	key := opts.OutputKey
	if key == "" {
		return "", faults.Permanent(fmt.Errorf("output_key is required for kind %s", kind))
	}
	safeKey, err := sanitizeKey(key)
	if err != nil {
		return "", faults.Permanent(err)
	}
	ref, err := uploader.Upload(ctx, safeKey, data, contentType)
	if err != nil {
		return "", faults.Transient(fmt.Errorf("upload: %w", err))
	}
	return ref, nil
}

func (p *RenderProvider) render(ctx context.Context, kind string, payload map[string]any) ([]byte, string, error) {
	raw, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	if err != nil {
		return nil, "", faults.Permanent(fmt.Errorf("marshal render request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/render", bytes.NewReader(raw))
	if err != nil {
		return nil, "", faults.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", faults.Transient(fmt.Errorf("render: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "render"); err != nil {
		return nil, "", err
	}

	limited := io.LimitReader(resp.Body, p.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", faults.Transient(fmt.Errorf("read render response: %w", err))
	}
	if int64(len(body)) > p.maxBytes {
		return nil, "", faults.Permanent(fmt.Errorf("artifact too large (>%d bytes)", p.maxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (p *RenderProvider) storeImage(ctx context.Context, uploader artifactUploader, opts renderPayload, data []byte, contentType string) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("decode image: %w", err))
	}

	if opts.Grayscale {
		img = imaging.Grayscale(img)
	}
	if opts.Width > 0 || opts.Height > 0 {
		img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	}

	outputFormat := chooseFormat(opts.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", faults.Permanent(fmt.Errorf("encode image: %w", err))
	}

	outputKey := opts.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("render.%s", formatExtension(outputFormat))
	}
	outputKey, err = sanitizeKey(outputKey)
	if err != nil {
		return "", faults.Permanent(err)
	}

	ref, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return "", faults.Transient(fmt.Errorf("upload: %w", err))
	}

	// Preview thumbnail rides alongside the artifact; a preview failure does
	// not fail the generation.
	if preview, err := p.previewJPEG(img); err == nil {
		_, _ = uploader.Upload(ctx, previewKey(outputKey), preview, "image/jpeg")
	}

	return ref, nil
}

func (p *RenderProvider) previewJPEG(src image.Image) ([]byte, error) {
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, fmt.Errorf("invalid image dimensions")
	}
	width := p.previewWidth
	height := int(float64(src.Bounds().Dy()) * float64(width) / float64(src.Bounds().Dx()))
	if height == 0 {
		height = width
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, dst, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRenderPayload(payload map[string]any) (renderPayload, error) {
	var opts renderPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return opts, faults.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, faults.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return opts, nil
}

func (p *RenderProvider) pickUploader(destination string) (artifactUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if p.s3 != nil {
			return p.s3, nil
		}
		return nil, fmt.Errorf("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local", "":
		if p.local != nil {
			return p.local, nil
		}
	}
	if p.s3 != nil {
		return p.s3, nil
	}
	if p.local != nil {
		return p.local, nil
	}
	return nil, fmt.Errorf("no uploader configured")
}

func previewKey(key string) string {
	ext := filepath.Ext(key)
	return strings.TrimSuffix(key, ext) + ".preview.jpg"
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

// sanitizeKey normalizes an output key to a path relative to the artifact
// root. Keys that would escape the root after cleaning are rejected.
func sanitizeKey(key string) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	if key == ".." || strings.HasPrefix(key, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output key %q escapes artifact root", key)
	}
	return key, nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
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
