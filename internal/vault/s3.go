package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"zbackup/internal/backup"
)

// S3VaultConfig describes an S3 (or S3-compatible) bucket used as a vault.
type S3VaultConfig struct {
	Name   string
	Bucket string
	Prefix string // optional key prefix, e.g. "zbackup/"
	Region string

	// Endpoint selects an S3-compatible service (MinIO, Localstack, ...)
	// and switches the client to path-style addressing.
	Endpoint string

	// Static credentials; the default credential chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string

	MaxRetries int
}

// S3Vault stores streams as objects in an S3 bucket.
// Uploads go through the multipart upload manager so streams of unknown
// size never have to be buffered whole.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault loads the AWS configuration and creates an S3 client for the bucket.
// It does not contact the bucket; see ValidateSetup.
func NewS3Vault(ctx context.Context, cfg S3VaultConfig) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 vault: bucket is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error

	if cfg.Region != "" {
		configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) objectKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return path.Join(v.prefix, key)
}

// PutStream uploads the stream read from r as the object key.
func (v *S3Vault) PutStream(key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	counter := &countingReader{r: r}
	_, err := v.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
		Body:   counter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s to bucket %q: %w", key, v.bucket, err)
	}

	return counter.n.Load(), nil
}

// GetStream downloads the object key and writes it to w.
func (v *S3Vault) GetStream(key string, w io.Writer) error {
	if err := checkKey(key); err != nil {
		return err
	}

	result, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return fmt.Errorf("stream not found: %s", key)
		}
		return fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(w, result.Body); err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}

	return nil
}

// ValidateSetup verifies that the bucket exists and is accessible.
func (v *S3Vault) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) String() string {
	return "s3:" + v.name
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

var _ backup.Vault = (*S3Vault)(nil)
