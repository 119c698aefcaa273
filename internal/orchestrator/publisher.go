package orchestrator

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
)

// ArtifactPublisher pushes a completed model to durable storage outside the
// workspace. Publishing is best-effort; the local file remains the source of
// truth for downloads.
type ArtifactPublisher interface {
	Publish(ctx context.Context, jobID string, model models.Artifact) (string, error)
}

// S3Publisher uploads completed models to an S3 bucket.
type S3Publisher struct {
	client *s3.Client
	bucket string
}

// NewS3Publisher builds a publisher from config, honoring a custom endpoint
// for S3-compatible stores.
func NewS3Publisher(ctx context.Context, cfg config.Config) (*S3Publisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	})
	return &S3Publisher{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

// Publish streams the model file to s3://<bucket>/<jobID>/<filename>.
func (p *S3Publisher) Publish(ctx context.Context, jobID string, model models.Artifact) (string, error) {
	f, err := os.Open(model.Path)
	if err != nil {
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	key := jobID + "/" + filepath.Base(model.Path)
	contentType := mime.TypeByExtension(filepath.Ext(model.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
