// Package report archives run reports to S3-compatible object storage so
// downstream consumers can fetch them without touching the database.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/common"
)

// NewS3Client builds an S3 client from environment configuration.
// Returns nil if the config cannot be loaded; callers treat a nil client
// as archival disabled.
func NewS3Client(ctx context.Context) *s3.Client {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")
	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithBaseEndpoint(endpoint),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

// Archiver writes reports under reports/<run-id>.json.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver creates an archiver for the configured bucket.
func NewArchiver(client *s3.Client) *Archiver {
	return &Archiver{
		client: client,
		bucket: util.GetEnvString("AWS_BUCKET", "tracelight"),
	}
}

func (a *Archiver) key(runID string) string {
	return fmt.Sprintf("reports/%s.json", runID)
}

// Archive uploads the report and returns its object key.
func (a *Archiver) Archive(ctx context.Context, rep common.Report) (string, error) {
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.key(rep.RunID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to S3: %w", err)
	}
	return key, nil
}

// Fetch downloads an archived report by run id.
func (a *Archiver) Fetch(ctx context.Context, runID string) (common.Report, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(runID)),
	})
	if err != nil {
		return common.Report{}, fmt.Errorf("failed to get report from S3: %w", err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return common.Report{}, fmt.Errorf("failed to read report body: %w", err)
	}

	var rep common.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return common.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return rep, nil
}
