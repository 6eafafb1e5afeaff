// Package publish mirrors published project code to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	defaultPrefix   = "sites"
	indexObjectName = "index.html"
	htmlContentType = "text/html; charset=utf-8"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	Logger        *zap.Logger
}

// S3Publisher writes each published project to <prefix>/<projectID>/index.html.
type S3Publisher struct {
	cfg    Config
	client *s3.Client
	logger *zap.Logger
}

func NewS3Publisher(cfg Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if strings.Trim(cfg.Prefix, "/") == "" {
		cfg.Prefix = defaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Publisher{
		cfg:    cfg,
		client: s3.New(options),
		logger: logger,
	}, nil
}

// Publish uploads code as the project's public page and returns its URL.
func (p *S3Publisher) Publish(ctx context.Context, projectID, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("no code to publish")
	}
	key, err := p.objectKey(projectID)
	if err != nil {
		return "", err
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.cfg.Bucket),
		Key:          aws.String(key),
		Body:         strings.NewReader(code),
		ContentType:  aws.String(htmlContentType),
		CacheControl: aws.String("no-cache"),
		ACL:          types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	url := p.publicURL(key)
	p.logger.Info("project mirrored", zap.String("project_id", projectID), zap.String("url", url))
	return url, nil
}

// Unpublish removes the project's public page.
func (p *S3Publisher) Unpublish(ctx context.Context, projectID string) error {
	key, err := p.objectKey(projectID)
	if err != nil {
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	p.logger.Info("project mirror removed", zap.String("project_id", projectID))
	return nil
}

func (p *S3Publisher) objectKey(projectID string) (string, error) {
	trimmed := strings.TrimSpace(projectID)
	if trimmed == "" || strings.ContainsAny(trimmed, "/\\") || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	return path.Join(strings.Trim(p.cfg.Prefix, "/"), trimmed, indexObjectName), nil
}

func (p *S3Publisher) publicURL(key string) string {
	return strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + key
}
