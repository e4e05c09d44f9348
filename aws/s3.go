// Package aws defines functions used to interact with the AWS API
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type AvatarConfig struct {
	Bucket string
	Region string
	// Endpoint is set for S3 compatible storage like R2 or MinIO.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLTTL          time.Duration
}

// AvatarStore hands out short lived links to avatar images kept in a
// private bucket.
type AvatarStore struct {
	C       *s3.Client
	presign *s3.PresignClient
	Bucket  *string
	ttl     time.Duration
}

func NewAvatarStore(ctx context.Context, c AvatarConfig) (*AvatarStore, error) {
	if c.Bucket == "" {
		return nil, errors.New("no avatar bucket provided")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID,
			c.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config, %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := c.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &AvatarStore{
		C:       client,
		presign: s3.NewPresignClient(client),
		Bucket:  aws.String(c.Bucket),
		ttl:     ttl,
	}, nil
}

// CheckBucket makes sure the bucket exists and is reachable.
func (a *AvatarStore) CheckBucket(ctx context.Context) error {
	_, err := a.C.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: a.Bucket,
	})
	if err != nil {
		var apiErr smithy.APIError

		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" {
				return fmt.Errorf("bucket '%s' does not exist", *a.Bucket)
			}
		}

		return fmt.Errorf("failed to check if bucket exists, %w", err)
	}

	return nil
}

// URL returns a presigned GET link for key. Signing happens locally, no
// request is sent.
func (a *AvatarStore) URL(ctx context.Context, key string) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: a.Bucket,
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign avatar url, %w", err)
	}

	return req.URL, nil
}
