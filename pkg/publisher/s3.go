package publisher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/retry"
)

// S3Config holds object storage configuration. A custom Endpoint points the
// client at S3-compatible stores (R2, minio); empty means AWS proper.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string        // CDN base for returned URLs; empty = presign
	PresignExpiry   time.Duration // lifetime of presigned fallback URLs
	Retry           retry.Config
}

// S3Publisher uploads artifacts to an S3-compatible bucket
type S3Publisher struct {
	client    *s3.Client
	presigner *s3.PresignClient
	config    S3Config
	logger    *logging.Logger
}

var _ Publisher = (*S3Publisher)(nil)

// NewS3Publisher creates a publisher for the configured bucket
func NewS3Publisher(ctx context.Context, cfg S3Config, logger *logging.Logger) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 publisher requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 24 * time.Hour
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Publisher{
		client:    client,
		presigner: s3.NewPresignClient(client),
		config:    cfg,
		logger:    logger,
	}, nil
}

// Publish uploads the artifact and returns its URL. Uploads get their own
// retry budget; exhausting it fails the job without re-rendering.
func (p *S3Publisher) Publish(ctx context.Context, localPath string, job *models.RenderJob) (string, error) {
	key := ObjectKey(job, time.Now())
	contentType := ContentType(job.Settings.Format)

	err := retry.Do(ctx, p.config.Retry, func() error {
		// Reopen per attempt: a failed PutObject leaves the reader
		// partially consumed.
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.config.Bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return "", &models.PublishError{Err: fmt.Errorf("upload %s: %w", key, err)}
	}

	url, err := p.artifactURL(ctx, key)
	if err != nil {
		return "", &models.PublishError{Err: err}
	}

	p.logger.Info("[Publisher] Artifact uploaded", map[string]interface{}{
		"job":    job.ID,
		"bucket": p.config.Bucket,
		"key":    key,
	})
	return url, nil
}

// artifactURL prefers the public CDN base and falls back to a presigned link
func (p *S3Publisher) artifactURL(ctx context.Context, key string) (string, error) {
	if p.config.PublicBaseURL != "" {
		return strings.TrimRight(p.config.PublicBaseURL, "/") + "/" + key, nil
	}

	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.config.PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}
