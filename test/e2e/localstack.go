package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LocalstackHelper manages Localstack S3 integration for tests
type LocalstackHelper struct {
	T        testing.TB
	Endpoint string
	Client   *s3.Client
	Buckets  []string
}

// NewLocalstackHelper creates a new Localstack helper
func NewLocalstackHelper(t testing.TB) *LocalstackHelper {
	t.Helper()

	// Get Localstack endpoint from environment or use default
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	helper := &LocalstackHelper{
		T:        t,
		Endpoint: endpoint,
		Buckets:  make([]string, 0),
	}

	helper.createClient()
	return helper
}

// createClient creates an S3 client configured for Localstack
func (lh *LocalstackHelper) createClient() {
	lh.T.Helper()

	cfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", // AccessKeyID
			"test", // SecretAccessKey
			"",     // SessionToken
		)),
	)
	if err != nil {
		lh.T.Fatalf("Failed to load AWS config: %v", err)
	}

	// Path-style URLs are required for Localstack
	lh.Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(lh.Endpoint)
		o.UsePathStyle = true
	})
}

// CreateBucket creates a new S3 bucket and registers it for cleanup
func (lh *LocalstackHelper) CreateBucket(ctx context.Context, bucketName string) error {
	lh.T.Helper()

	_, err := lh.Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	lh.Buckets = append(lh.Buckets, bucketName)
	return nil
}

// Cleanup removes all created buckets and their contents
func (lh *LocalstackHelper) Cleanup() {
	lh.T.Helper()

	ctx := context.Background()

	for _, bucketName := range lh.Buckets {
		paginator := s3.NewListObjectsV2Paginator(lh.Client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucketName),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				break
			}
			for _, obj := range page.Contents {
				_, _ = lh.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucketName),
					Key:    obj.Key,
				})
			}
		}

		_, _ = lh.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: aws.String(bucketName),
		})
	}
}

// SetupS3Config creates a bucket for config and points it at Localstack
func SetupS3Config(t testing.TB, config *TestConfig, helper *LocalstackHelper) {
	t.Helper()

	bucketName := fmt.Sprintf("dittorpc-%s-%d", strings.ToLower(config.Name), time.Now().UnixNano())
	if err := helper.CreateBucket(context.Background(), bucketName); err != nil {
		t.Fatalf("Failed to create S3 bucket: %v", err)
	}

	config.s3Endpoint = helper.Endpoint
	config.s3Bucket = bucketName
}
