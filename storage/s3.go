package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Options configure an S3Store. Endpoint and PathStyle allow pointing the
// store at S3-compatible servers, e.g., MinIO.
type S3Options struct {
	Profile   string
	Region    string
	Bucket    string
	Endpoint  string
	PathStyle bool
}

// S3Store is an implementation of Store backed by AWS S3. Objects are keyed by
// the store key verbatim.
type S3Store struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

func NewS3Store(o S3Options) (*S3Store, error) {
	if o.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is missing: %w", ErrConfiguration)
	}
	if o.Region == "" {
		return nil, fmt.Errorf("s3 store: region is missing: %w", ErrConfiguration)
	}
	config := &aws.Config{
		Region:           aws.String(o.Region),
		S3ForcePathStyle: aws.Bool(o.PathStyle),
	}
	if o.Profile != "" {
		config.Credentials = credentials.NewSharedCredentials("", o.Profile)
	}
	if o.Endpoint != "" {
		config.Endpoint = aws.String(o.Endpoint)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("s3 store: %v: %w", err, ErrConfiguration)
	}
	return &S3Store{
		bucket: o.Bucket,
		client: s3.New(sess),
		// The uploader streams in parts, so memory is bounded by part size
		// times concurrency rather than by the value size.
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
			u.Concurrency = 1
		}),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, source io.Reader) error {
	if err := checkPut(key, source); err != nil {
		return err
	}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   contextReader{ctx: ctx, r: source},
	})
	if err != nil {
		return fmt.Errorf("could not upload %q: %v: %w", key, err, ErrUnavailable)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	output, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("could not get %q: %v: %w", key, err, ErrUnavailable)
	}
	return output.Body, nil
}

func isS3NotFound(err error) bool {
	var rfErr awserr.RequestFailure
	if errors.As(err, &rfErr) && rfErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aErr awserr.Error
	if errors.As(err, &aErr) {
		switch aErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
