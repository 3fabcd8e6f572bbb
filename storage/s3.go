package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "tradeindex/config"
	"tradeindex/logger"
)

// ListPage is one page of an object listing.
type ListPage struct {
	Keys         []string
	Continuation string
}

// S3ObjectStore implements the object-store capability over a single bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	log    *logger.Log
}

// NewS3ObjectStore configures the AWS SDK and returns a client bound to the
// configured bucket. Static credentials from the config file take precedence
// over the default provider chain.
func NewS3ObjectStore(cfg *appconfig.Config) (*S3ObjectStore, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"region": cfg.Storage.S3.Region,
	}).Debug("s3 object store initialized")

	return &S3ObjectStore{
		client: client,
		bucket: cfg.Storage.S3.Bucket,
		log:    log,
	}, nil
}

// List returns one page of keys under prefix, resuming from continuation
// when non-empty.
func (s *S3ObjectStore) List(ctx context.Context, prefix, continuation string) (ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if continuation != "" {
		input.ContinuationToken = aws.String(continuation)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListPage{}, fmt.Errorf("list objects under %q: %w", prefix, err)
	}

	page := ListPage{Keys: make([]string, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		if obj.Key != nil {
			page.Keys = append(page.Keys, *obj.Key)
		}
	}
	if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
		page.Continuation = *out.NextContinuationToken
	}
	return page, nil
}

// GetObject fetches the full body of one object.
func (s *S3ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// Put uploads a JSON payload under key. Used by the window publisher.
func (s *S3ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}
