package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ndjsonContentType marks the exported object as line-delimited JSON so
// downstream audit tooling (Athena, jq pipelines) treats it correctly.
const ndjsonContentType = "application/x-ndjson"

// S3Destination uploads each ledger export to a fixed object key in an
// S3-compatible bucket. The object is overwritten on every export; the
// bucket's own versioning is the retention mechanism.
type S3Destination struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Destination builds a destination from the ambient AWS credential
// chain. A non-empty endpoint switches to path-style addressing, which
// MinIO and other self-hosted S3 implementations require.
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Destination{client: client, bucket: bucket, key: key}, nil
}

// Write uploads one complete export snapshot.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(ndjsonContentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", d.bucket, d.key, err)
	}
	return nil
}
