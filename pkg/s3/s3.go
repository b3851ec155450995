// Package s3 stores ledger archives in any S3 compatible object store.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-envconfig"
)

// uploadTimeout bounds a single request, long enough for a full archive.
const uploadTimeout = 5 * time.Minute

// Config describes the object store endpoint.
type Config struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Validate reports missing settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	return nil
}

// EndpointURL returns the endpoint with a scheme, adding one from DisableTLS
// when the configured value is a bare host:port.
func (c Config) EndpointURL() string {
	endpoint := strings.TrimSpace(c.Endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https"
	if c.DisableTLS {
		scheme = "http"
	}
	return scheme + "://" + endpoint
}

// Object is one stored archive.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client wraps the AWS SDK v2 S3 client.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// NewClientFromEnv loads Config from the S3_* environment variables.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New builds a Client with static credentials. The SDK's buildable HTTP
// client is used so AWS_CA_BUNDLE can extend its root CAs.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(uploadTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(cfg.EndpointURL())
	})
	return &Client{api: api, presign: s3.NewPresignClient(api)}, nil
}

// PutObject uploads r to bucket/key. sha256 is the hex digest of the body; the
// store rejects the upload when the received bytes do not match it.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		Body:              r,
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String("application/zstd"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata:          map[string]string{"sha256": sha256},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet returns a download URL valid for ttl.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// GetObject opens bucket/key with checksum validation. The caller closes the body.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		ChecksumMode: s3types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// List returns every object under prefix, oldest key first.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	var out []Object
	pages := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode sha256: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("sha256 digest must be 32 bytes, got %d", len(raw))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
