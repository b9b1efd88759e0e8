package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/config"
)

// PresignedUpload is a minted one-hour upload slot.
type PresignedUpload struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StorageService mints presigned PUT URLs against the object store. The
// service never reads or writes object content itself.
type StorageService struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewStorageService builds the S3 client for the configured endpoint.
func NewStorageService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*StorageService, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey, cfg.StorageSecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = true
	})

	return &StorageService{
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.StorageBucket,
		ttl:       cfg.UploadURLTTL,
		logger:    logger,
	}, nil
}

// MintUploadURL returns a presigned PUT for one resume upload. Keys are
// unique per call: uploads/{userID}/{ulid}/{sanitized filename}. A non-empty
// content type is signed into the URL, so the uploader must send it back.
func (s *StorageService) MintUploadURL(ctx context.Context, userID, filename, contentType string) (*PresignedUpload, error) {
	clean := sanitizeFilename(filename)
	if clean == "" {
		return nil, apperr.New(apperr.KindValidation, "invalid filename")
	}

	key := fmt.Sprintf("uploads/%s/%s/%s", userID, ulid.Make().String(), clean)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return nil, apperr.WrapOrigin(apperr.KindDependency, apperr.OriginObjectStore,
			"failed to mint upload URL", err)
	}

	return &PresignedUpload{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}, nil
}

// sanitizeFilename strips path separators and control characters and bounds
// length. Returns "" when nothing usable is left.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			continue
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ". ")
	if clean == ".." || clean == "." {
		return ""
	}
	if len(clean) > 255 {
		clean = clean[:255]
	}
	return clean
}
