package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Store; *s3.Client
// satisfies it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps artifacts as objects in one bucket under an optional prefix
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 creates an S3-backed store
func NewS3(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Create streams the artifact into a PutObject running in the background.
// Close waits for the upload; Abort cancels it so no object is stored.
func (s *S3Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &uploadWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(name)),
			Body:        pr,
			ContentType: aws.String(contentType(name)),
		})
		if err != nil {
			w.err = fmt.Errorf("storage: upload %s: %w", name, err)
		}
		// Unblock writers when the upload stops reading early
		pr.CloseWithError(w.err)
	}()
	return w, nil
}

// Open fetches an object body
func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("storage: open %s: %w", name, os.ErrNotExist)
		}
		return nil, fmt.Errorf("storage: open %s: %w", name, err)
	}
	return out.Body, nil
}

// Remove deletes an object
func (s *S3Store) Remove(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("storage: remove %s: %w", name, err)
	}
	return nil
}

// Exists checks an object with HeadObject
func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", name, err)
	}
	return true, nil
}

// Location returns the s3:// URL of name
func (s *S3Store) Location(name string) string {
	return "s3://" + s.bucket + "/" + s.key(name)
}

type uploadWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the body and waits for PutObject
func (w *uploadWriter) Close() error {
	w.pw.Close()
	<-w.done
	return w.err
}

// Abort fails the body so PutObject never completes the object
func (w *uploadWriter) Abort(cause error) error {
	if cause == nil {
		cause = errors.New("storage: upload aborted")
	}
	w.pw.CloseWithError(cause)
	<-w.done
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

var _ FileStore = (*S3Store)(nil)
