// Package storage persists converted artifacts. A FileStore hides whether
// the bytes land on local disk or in an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/skypro1111/wav-stream-converter/internal/config"
)

// FileStore stores artifacts under forward-slash names relative to the
// store root. Implementations are safe for concurrent use.
type FileStore interface {
	// Create opens name for writing, replacing any existing artifact once
	// the writer is closed. The returned writer also implements Aborter.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Open reads a stored artifact. A missing name yields an error
	// wrapping os.ErrNotExist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes name; removing a missing artifact is not an error.
	Remove(ctx context.Context, name string) error

	// Exists reports whether name is stored.
	Exists(ctx context.Context, name string) (bool, error)

	// Location describes where name lives, for logs and CLI output.
	Location(name string) string
}

// Aborter is implemented by writers that can discard a partial artifact
// instead of committing it.
type Aborter interface {
	Abort(cause error) error
}

// New builds the FileStore selected by cfg.Backend
func New(cfg config.StorageConfig) (FileStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir)
	case "s3":
		return NewS3(newS3Client(cfg), cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// newS3Client configures an S3 client from static settings and the standard
// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN variables.
func newS3Client(cfg config.StorageConfig) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				creds := aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
					Source:          "environment",
				}
				if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
					return aws.Credentials{}, fmt.Errorf("storage: AWS credentials not set in environment")
				}
				return creds, nil
			},
		)),
	}
	if cfg.Endpoint != "" {
		// S3-compatible stores (MinIO, R2) expect path-style addressing
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
