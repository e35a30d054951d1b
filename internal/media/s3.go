package media

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicURL is the base the object URL is built from; defaults to
	// Endpoint/Bucket.
	PublicURL string
	Prefix    string
}

// S3Host stores avatars in an S3-compatible bucket (AWS, MinIO).
type S3Host struct {
	client *s3.Client
	cfg    S3Config
	now    func() time.Time
}

func NewS3Host(ctx context.Context, cfg S3Config) (*S3Host, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if cfg.PublicURL == "" {
		cfg.PublicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "avatars"
	}
	return &S3Host{client: client, cfg: cfg, now: time.Now}, nil
}

func (h *S3Host) objectKey(name string) string {
	d := h.now()
	return fmt.Sprintf("%s/%d/%02d/%s%s", h.cfg.Prefix, d.Year(), d.Month(), uuid.New(), strings.ToLower(path.Ext(name)))
}

func (h *S3Host) Upload(ctx context.Context, f File) (*Asset, error) {
	if f.Body == nil {
		return nil, fmt.Errorf("%w: empty file", ErrUploadFailed)
	}
	key := h.objectKey(f.Name)

	input := &s3.PutObjectInput{
		Bucket: aws.String(h.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f.Body,
	}
	if f.ContentType != "" {
		input.ContentType = aws.String(f.ContentType)
	}
	if f.Size > 0 {
		input.ContentLength = aws.Int64(f.Size)
	}

	if _, err := h.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return &Asset{
		URL: strings.TrimRight(h.cfg.PublicURL, "/") + "/" + key,
		Ref: key,
	}, nil
}

func (h *S3Host) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.cfg.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}
