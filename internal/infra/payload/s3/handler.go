// Package s3 implements a payload Handler over an S3-compatible backend
// (AWS S3 or MinIO). Payloads are stored as archive-format container objects
// under a key prefix, one object per item. The backend serves backup and
// read-only remote projects; it has no partial-write capability.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"projectcore/internal/infra/payload/archive"
	"projectcore/internal/payload/core"
	"projectcore/pkg/record"
)

// Config holds explicit construction parameters (mostly for tests). For
// production use the default AWS credentials chain applies.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix inside the bucket
	Endpoint        string // optional; custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Handler implements core.Handler over container objects in one bucket.
type Handler struct {
	client *awss3.Client
	bucket string
	prefix string
}

// New creates an S3 payload handler from Config.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Handler{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Driver returns the payload driver identifier.
func (h *Handler) Driver() core.Driver { return core.DriverS3 }

// SupportsPartialWrite reports false: objects are replaced whole.
func (h *Handler) SupportsPartialWrite() bool { return false }

// Close is a no-op; the SDK client holds no resources requiring release.
func (h *Handler) Close() error { return nil }

func (h *Handler) keyFor(locator string) string {
	if h.prefix == "" {
		return locator
	}
	return h.prefix + "/" + locator
}

// Write uploads the payload as a container object, overwriting any previous
// object for the same item.
func (h *Handler) Write(ctx context.Context, id uuid.UUID, arr *record.Array, meta map[string]any) (core.Ref, error) {
	raw, err := archive.Encode(id, arr, meta)
	if err != nil {
		return core.Ref{}, &record.WriteError{Op: "s3", ID: id, Err: err}
	}
	loc := id.String() + ".ndar"
	contentType := "application/octet-stream"
	if _, err := h.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      &h.bucket,
		Key:         aws.String(h.keyFor(loc)),
		Body:        bytes.NewReader(raw),
		ContentType: &contentType,
	}); err != nil {
		return core.Ref{}, &record.WriteError{Op: "s3", ID: id, Err: err}
	}
	return core.Ref{Driver: core.DriverS3, Locator: loc}, nil
}

// Read downloads and decodes the container object.
func (h *Handler) Read(ctx context.Context, ref core.Ref) (*record.Array, map[string]any, error) {
	out, err := h.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: &h.bucket,
		Key:    aws.String(h.keyFor(ref.Locator)),
	})
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	defer func() { _ = out.Body.Close() }()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	arr, meta, err := archive.Decode(raw)
	if err != nil {
		return nil, nil, &record.ReadError{Locator: ref.Locator, Err: err}
	}
	return arr, meta, nil
}

// Delete removes the object; a missing object is not an error.
func (h *Handler) Delete(ctx context.Context, ref core.Ref) error {
	_, err := h.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: &h.bucket,
		Key:    aws.String(h.keyFor(ref.Locator)),
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
		return nil
	}
	return err
}

// WritePartial is not supported by the remote backend.
func (h *Handler) WritePartial(context.Context, core.Ref, record.Region, *record.Array) error {
	return core.ErrUnsupported
}

// PutRaw uploads an arbitrary object under the handler's prefix. The backup
// tooling uses it for the index document, which is not a payload container.
func (h *Handler) PutRaw(ctx context.Context, key string, raw []byte) error {
	contentType := "application/octet-stream"
	_, err := h.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      &h.bucket,
		Key:         aws.String(h.keyFor(key)),
		Body:        bytes.NewReader(raw),
		ContentType: &contentType,
	})
	return err
}

// GetRaw downloads an arbitrary object under the handler's prefix.
func (h *Handler) GetRaw(ctx context.Context, key string) ([]byte, error) {
	out, err := h.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: &h.bucket,
		Key:    aws.String(h.keyFor(key)),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// List returns the locators of all payload objects under the handler's
// prefix, used by the restore tooling to enumerate a backup.
func (h *Handler) List(ctx context.Context) ([]string, error) {
	var locators []string
	var token *string
	prefix := h.prefix
	if prefix != "" {
		prefix += "/"
	}
	for {
		out, err := h.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{Bucket: &h.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			locators = append(locators, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	return locators, nil
}

// NewMockForTests returns a Handler backed by an in-memory fake HTTP
// transport. Only the S3 operations the Handler interface needs are
// implemented.
func NewMockForTests() *Handler {
	rt := &mockRoundTripper{state: make(map[string][]byte)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &Handler{client: client, bucket: "mock-bucket"}
}
