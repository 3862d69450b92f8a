package storage

import (
	"bytes"
	"context"
	"fmt"

	"mail-ledger/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client creates an S3 client for the raw-email archive bucket.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.ArchiveS3URL,
				SigningRegion:     cfg.ArchiveS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.ArchiveS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveS3Key, cfg.ArchiveS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// UploadFile uploads an object and returns its link.
func UploadFile(ctx context.Context, client *s3.Client, bucket, key string, data []byte, cfg *config.Config) (string, error) {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	link := fmt.Sprintf("%s/%s/%s", cfg.ArchiveS3URL, bucket, key)
	return link, nil
}

// ArchiveEmail stores a raw email body under its content hash and
// returns the archive link.
func ArchiveEmail(ctx context.Context, client *s3.Client, cfg *config.Config, contentHash string, body []byte) (string, error) {
	key := fmt.Sprintf("emails/%s.eml", contentHash)
	return UploadFile(ctx, client, cfg.ArchiveS3Bucket, key, body, cfg)
}
