package pgn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/official-monty/montytest/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	bucket string
	client *s3.Client
}

// NewS3Store creates a Store backed by S3-compatible storage.
func NewS3Store(log logrus.FieldLogger, cfg *config.PGNS3Config) Store {
	return &s3Store{
		log:    log.WithField("component", "pgn-s3"),
		bucket: cfg.Bucket,
		client: newS3Client(cfg),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("montytest write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(".montytest-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.bucket, err)
	}

	return nil
}

func (s *s3Store) Put(ctx context.Context, key string, body io.Reader) error {
	s.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": s.bucket,
	}).Debug("Uploading pgn")

	// The request is signed over the payload, which needs a seekable body.
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.PGNS3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
